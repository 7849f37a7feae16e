package wire

type (
	// PeerID defines peer ID.
	PeerID [32]byte

	// Version is the version of the protocol spoken on the connection.
	Version uint64
)

// ProtocolVersion is the version of the protocol implemented by this package.
const ProtocolVersion Version = 1

// EndpointID identifies the endpoint message is delivered to.
// Use WellKnown or NewEphemeral to construct it.
type EndpointID struct {
	First  uint64
	Second uint64
}

// Hello is the message exchanged between peers when connecting.
type Hello struct {
	PeerID  PeerID
	Version Version
}

// Header precedes every message sent over the connection.
type Header struct {
	Destination EndpointID
}

// PingRequest asks the peer to reply to prove it is alive.
type PingRequest struct {
	Reply EndpointID
}

// PingResponse is the reply to PingRequest.
type PingResponse struct{}

// NetworkTestRequest is a single round of the network test.
type NetworkTestRequest struct {
	Reply      EndpointID
	Sequence   uint64
	Iterations uint64
	ReplySize  uint64
	Payload    []byte
}

// NetworkTestResponse is the reply to NetworkTestRequest.
type NetworkTestResponse struct {
	Sequence uint64
	Checksum uint64
	Payload  []byte
}
