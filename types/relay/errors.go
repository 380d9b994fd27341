package relay

import (
	"errors"
	"fmt"
)

var (
	errInvalidFrameType    = errors.New("invalid frame type")
	errPacketTooLarge      = errors.New("packet too large")
	errKeepAliveNonZeroLen = errors.New("keepalive frame has non-zero length")
	errSendQueueFull       = errors.New("send queue full")
	errServerClosed        = errors.New("relay server closed")
	errNotMeshPeer         = errors.New("client is not a mesh peer")

	// ErrRejected matches any *RejectedError.
	ErrRejected = errors.New("rejected by relay server")
)

// RejectedError is returned from the client handshake when the server refused the connection.
//
// Retrying with the same credentials will not help.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay server rejected connection: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
