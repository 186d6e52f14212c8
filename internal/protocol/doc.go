// Package protocol owns the cast_channel wire contract.
//
// Ownership boundary:
// - typed envelope and device-auth messages
// - conversion to and from the compiled schema (see schema)
// - protocol version gate
// - reserved endpoint ids and well-known namespaces
//
// Framing lives in frame; this package only deals in complete envelope bodies.
package protocol
