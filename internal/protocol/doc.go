// Package protocol owns the wire contract for the coordination channel.
//
// Ownership boundary:
// - envelope shapes (request, response, stream)
// - newline-delimited JSON encode/decode primitives
// - method and stream-event name constants
// - stable wire error codes
package protocol
