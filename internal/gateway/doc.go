// Package gateway wires the isolation registry, connection manager,
// event bridge, rate limiter, and audit ledger into the warren-gateway
// HTTP server. Clients attach over /ws; surrounding services deliver
// events and consult rate limits through the /api endpoints.
package gateway
