package relay

import "time"

const (
	UpgradeProtocol = "toversok-relay"
)

type ProtocolVersion byte

const (
	relayProtocolV0 ProtocolVersion = 0
)

const (
	MaxPacketSize              = 64 << 10
	ServerClientKeepAlive      = 15 * time.Second
	ServerClientWriteTimeout   = 5 * time.Second
	ServerClientSendQueueDepth = 32 // packets buffered for sending

	// HandshakeTimeout bounds the key exchange on a fresh connection, on both sides.
	HandshakeTimeout = 10 * time.Second

	// maxInfoLen bounds the sealed client info frame.
	maxInfoLen = 256 << 10

	// maxRejectReasonLen bounds the text carried in a rejected frame.
	maxRejectReasonLen = 1 << 10
)
