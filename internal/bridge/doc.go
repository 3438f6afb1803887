// Package bridge routes agent lifecycle events to the WebSocket
// connection(s) owned by the originating user, and only that user.
//
// Ownership is resolved through the isolation registry's immutable
// (user_id, session_id) pair; live transports come from the connection
// manager. Events with no live connection are dropped with a recorded
// metric rather than buffered — delivery is at-most-once per live
// connection, with no redelivery across reconnects.
package bridge
