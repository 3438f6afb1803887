// Package config loads and validates warren-gateway configuration from
// YAML files, with ${VAR} environment expansion and duration parsing.
package config
