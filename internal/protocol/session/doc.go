// Package session owns one established cast link: a TLS connection wrapped
// in a packet framer, decoding envelopes on a single dispatch goroutine.
//
// Ownership boundary:
// - framed send/receive of CastMessage envelopes
// - per-connection fault handling (decode errors, version gate, oversize frames)
// - forceful teardown of the underlying TCP connection
// - caller-level retry/backoff helpers
//
// Client and server both build on Conn; neither retries nor times out on
// its own.
package session
