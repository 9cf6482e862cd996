// Package wire defines the gateway payload envelope and control bodies.
//
// Ownership boundary:
// - opcode and close-code vocabulary
// - payload envelope encode/decode over a websocket connection
// - typed handshake bodies with validation
// - intent bitmask vocabulary
//
// Wire performs no connection management; dialing, retries, and session
// state belong to the gateway layer.
package wire
