package protocol

// Event is the value published on a client or server bus.
//
// Message events carry the envelope addressing and its payload; the server
// also sets ConnectionID. Error events set Err, and ConnectionID when the
// fault is scoped to one peer.
type Event struct {
	ConnectionID  string
	SourceID      string
	DestinationID string
	Namespace     string
	// Payload is a string for STRING envelopes and []byte for BINARY ones.
	Payload any
	Err     error
}

// MessageEvent builds the bus event for a decoded envelope.
func MessageEvent(connID string, m CastMessage) Event {
	return Event{
		ConnectionID:  connID,
		SourceID:      m.SourceID,
		DestinationID: m.DestinationID,
		Namespace:     m.Namespace,
		Payload:       m.Payload(),
	}
}
