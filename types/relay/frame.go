package relay

import (
	"bufio"
	"encoding/binary"
	"io"
)

type FrameType byte

const frameHeaderLen = 1 + 4

// Values are part of the wire format, append only.
const (
	frameServerKey  FrameType = 0 // 32B public key
	frameClientInfo FrameType = 1 // 32B pub key + naclbox(24B nonce + json)
	frameServerInfo FrameType = 2 // naclbox(24B nonce + json)

	// packets sent and received from the relay
	frameSendPacket FrameType = 3 // 32B dest pub key + packet bytes
	frameRecvPacket FrameType = 4 // 32B src pub key + packet bytes

	// Pings sent by the client and Ponged (acknowledged) by the server
	framePing FrameType = 5 // 8B payload
	framePong FrameType = 6 // 8B payload

	// Keepalive frames sent by the server at an interval
	frameKeepAlive FrameType = 7 // 0B

	// Mesh frames, only accepted from clients that presented the server's mesh key.
	frameWatchConns    FrameType = 8  // 0B, subscribe to peer present/gone
	framePeerPresent   FrameType = 9  // 32B pub key
	framePeerGone      FrameType = 10 // 32B pub key + 1B PeerGoneReason
	frameForwardPacket FrameType = 11 // 32B src pub key + 32B dst pub key + packet bytes

	// Sent by the server instead of server info when it refuses a client.
	frameRejected FrameType = 12 // utf-8 reason
)

// PeerGoneReason is sent along with a peer-gone frame.
type PeerGoneReason byte

const (
	PeerGoneDisconnected PeerGoneReason = 0
	PeerGoneReplaced     PeerGoneReason = 1
)

func readFrameHeader(reader *bufio.Reader) (typ FrameType, frameLen uint32, err error) {
	var hdr [frameHeaderLen]byte
	if _, err = io.ReadFull(reader, hdr[:]); err != nil {
		return 0, 0, err
	}
	return FrameType(hdr[0]), binary.BigEndian.Uint32(hdr[1:]), nil
}

func writeFrameHeader(bw *bufio.Writer, typ FrameType, frameLen uint32) error {
	var hdr [frameHeaderLen]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:], frameLen)
	_, err := bw.Write(hdr[:])
	return err
}

// writeFrame writes a whole frame, without flushing.
func writeFrame(bw *bufio.Writer, typ FrameType, parts ...[]byte) error {
	var l int
	for _, p := range parts {
		l += len(p)
	}

	if err := writeFrameHeader(bw, typ, uint32(l)); err != nil {
		return err
	}

	for _, p := range parts {
		if _, err := bw.Write(p); err != nil {
			return err
		}
	}

	return nil
}
