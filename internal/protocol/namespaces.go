package protocol

// Reserved endpoint ids.
const (
	PlatformSender   = "sender-0"
	PlatformReceiver = "receiver-0"
	// Broadcast as a destination addresses every listener of a namespace on
	// the connection.
	Broadcast = "*"
)

// Well-known platform namespaces.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceDeviceAuth = "urn:x-cast:com.google.cast.tp.deviceauth"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)
