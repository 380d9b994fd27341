package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
)

// ServerPacket is a transient packet type handled by the server
type ServerPacket struct {
	bytes []byte

	src key.NodePublic
}

type PingData [8]byte

type peerState struct {
	peer    key.NodePublic
	present bool
	reason  PeerGoneReason
}

// ServerClient represents an active client connected to a Server.
type ServerClient struct {
	ctx context.Context
	// context cancel cause
	ccc context.CancelCauseFunc

	server *Server

	nodeKey key.NodePublic

	// canMesh is set when the client presented the server's mesh key.
	canMesh bool

	sendCh chan ServerPacket

	// An asynchronous pong return channel, hopping a pong between RunReceiver and RunSender
	sendPongCh chan PingData

	// Pending peer present/gone notifications for a watching mesh peer.
	// Kept as an unbounded list, a dropped "gone" would leave a stale route on the peer.
	peerStateMu     sync.Mutex
	peerStates      []peerState
	peerStateNotify chan struct{}

	netConn types.MetaConn

	remoteAddrPort netip.AddrPort

	// Not thread-safe; owned by RunReceiver
	buffReader *bufio.Reader
	// Not thread-safe; owned by RunSender
	buffWriter *bufio.Writer

	info *ClientInfo
}

// SendPacket will be called by other goroutines than the ServerClient-owning Run goroutine.
func (sc *ServerClient) SendPacket(pkt ServerPacket) {
	metrics := sc.server.metrics

	// First pass trying to queue directly
	select {
	case <-sc.ctx.Done():
		// return, dst is gone
		metrics.PacketsDropped.WithLabelValues(dropReasonGone).Inc()
		return
	case sc.sendCh <- pkt:
		metrics.PacketsDelivered.Inc()
		return
	default:
		// fallthrough
	}

	// Second pass, create a goroutine that tries for 5 more seconds
	go func() {
		timer := time.NewTimer(5 * time.Second)
		defer timer.Stop()

		select {
		case <-sc.ctx.Done():
			metrics.PacketsDropped.WithLabelValues(dropReasonGone).Inc()
		case sc.sendCh <- pkt:
			metrics.PacketsDelivered.Inc()
		case <-timer.C:
			metrics.PacketsDropped.WithLabelValues(dropReasonQueueFull).Inc()
			sc.L().Warn("could not send packet; queue full", "src", pkt.src.Debug())
		}
	}()
}

func (sc *ServerClient) queuePeerState(ps peerState) {
	sc.peerStateMu.Lock()
	sc.peerStates = append(sc.peerStates, ps)
	sc.peerStateMu.Unlock()

	select {
	case sc.peerStateNotify <- struct{}{}:
	default:
		// already notified
	}
}

func (sc *ServerClient) takePeerStates() []peerState {
	sc.peerStateMu.Lock()
	defer sc.peerStateMu.Unlock()

	ps := sc.peerStates
	sc.peerStates = nil
	return ps
}

// Run will be called by Server.Accept in a blocking fashion.
func (sc *ServerClient) Run() error {
	go sc.RunReceiver()
	go sc.RunSender()

	sc.L().Info("new client", "addr", sc.remoteAddrPort, "mesh-peer", sc.canMesh)

	<-sc.ctx.Done()

	// Unblock the receiver, the owner of the connection closes it after we return.
	_ = sc.netConn.SetDeadline(time.Now())

	return context.Cause(sc.ctx)
}

func (sc *ServerClient) RunReceiver() {
	defer func() {
		if v := recover(); v != nil {
			sc.ccc(fmt.Errorf("receiver panicked: %s", v))
		}
	}()

	for {
		frType, frLen, err := readFrameHeader(sc.buffReader)

		if err != nil {
			if errors.Is(err, io.EOF) {
				sc.ccc(fmt.Errorf("reader: read EOF"))
				return
			}
			sc.ccc(fmt.Errorf("reader: read error: client %s: readFrameHeader: %w", sc.nodeKey.Debug(), err))
			return
		}

		// First see if the context has been cancelled
		select {
		case <-sc.ctx.Done():
			return
		default:
		}

		switch frType {
		case frameSendPacket:
			err = sc.handleSend(frLen)
		case frameForwardPacket:
			err = sc.handleForward(frLen)
		case frameWatchConns:
			err = sc.handleWatchConns(frLen)
		case framePing:
			err = sc.handlePing(frLen)
		default:
			err = sc.handleUnknownFrame(frType, frLen)
		}

		if err != nil {
			sc.ccc(err)
			return
		}
	}
}

func (sc *ServerClient) handleSend(frLen uint32) error {
	dstKey, contents, err := sc.readSend(frLen)
	if err != nil {
		return err
	}

	sc.server.deliver(sc.nodeKey, dstKey, contents, true)

	return nil
}

func (sc *ServerClient) readSend(frLen uint32) (dstKey key.NodePublic, contents []byte, err error) {
	if frLen < key.Len {
		err = errors.New("short send packet frame")
		return
	}

	packetLen := frLen - key.Len

	if packetLen > MaxPacketSize {
		err = fmt.Errorf("data packet longer (%d) than max of %v", packetLen, MaxPacketSize)
		return
	}

	if _, err = io.ReadFull(sc.buffReader, dstKey[:]); err != nil {
		return
	}

	contents = make([]byte, packetLen)

	_, err = io.ReadFull(sc.buffReader, contents)

	return
}

// handleForward accepts a packet that a mesh peer relays on behalf of one of its own clients.
//
// Forwarded packets are only ever delivered locally, so that two meshed servers can't bounce a packet between them.
func (sc *ServerClient) handleForward(frLen uint32) error {
	if !sc.canMesh {
		return fmt.Errorf("forward packet: %w", errNotMeshPeer)
	}

	if frLen < key.Len*2 {
		return errors.New("short forward packet frame")
	}

	packetLen := frLen - key.Len*2
	if packetLen > MaxPacketSize {
		return fmt.Errorf("forwarded packet longer (%d) than max of %v", packetLen, MaxPacketSize)
	}

	var src, dst key.NodePublic
	if _, err := io.ReadFull(sc.buffReader, src[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(sc.buffReader, dst[:]); err != nil {
		return err
	}

	contents := make([]byte, packetLen)
	if _, err := io.ReadFull(sc.buffReader, contents); err != nil {
		return err
	}

	sc.server.deliver(src, dst, contents, false)

	return nil
}

func (sc *ServerClient) handleWatchConns(frLen uint32) error {
	if !sc.canMesh {
		return fmt.Errorf("watch conns: %w", errNotMeshPeer)
	}

	if frLen != 0 {
		return fmt.Errorf("watch conns frame has non-zero length %d", frLen)
	}

	sc.L().Debug("mesh peer watching connections")
	sc.server.addWatcher(sc)

	return nil
}

func (sc *ServerClient) handlePing(frLen uint32) error {
	var m PingData
	if frLen < uint32(len(m)) {
		return fmt.Errorf("short ping: %v", frLen)
	}
	if frLen > 1000 {
		// unreasonably extra large. We leave some extra
		// space for future extensibility, but not too much.
		return fmt.Errorf("ping body too large: %v", frLen)
	}
	_, err := io.ReadFull(sc.buffReader, m[:])
	if err != nil {
		return err
	}
	if extra := int64(frLen) - int64(len(m)); extra > 0 {
		_, err = io.CopyN(io.Discard, sc.buffReader, extra)
	}
	select {
	case sc.sendPongCh <- m:
	default:
		// They're pinging too fast. Ignore.
	}

	return err
}

func (sc *ServerClient) handleUnknownFrame(frameType FrameType, frameLength uint32) error {
	sc.L().Warn("got unknown frame type", "frame-type", frameType)

	// Discard the frame, we can't do much with it
	_, err := io.CopyN(io.Discard, sc.buffReader, int64(frameLength))
	return err
}

func (sc *ServerClient) RunSender() {
	jitter := time.Duration(rand.Intn(5000)) * time.Millisecond
	keepAliveTicker := time.NewTicker(ServerClientKeepAlive + jitter)
	defer keepAliveTicker.Stop()
	defer func() {
		if v := recover(); v != nil {
			sc.ccc(fmt.Errorf("sender panicked: %s", v))
		}
	}()

	var werr error // last write error
	for {
		if werr != nil {
			sc.ccc(fmt.Errorf("sender write error: %w", werr))
			return
		}
		// First, a non-blocking select (with a default) that
		// does as many non-flushing writes as possible.
		select {
		case <-sc.ctx.Done():
			return
		case pkt := <-sc.sendCh:
			werr = sc.sendPacket(pkt.src, pkt.bytes)
			continue
		case <-sc.peerStateNotify:
			werr = sc.sendPeerStates()
			continue
		case data := <-sc.sendPongCh:
			werr = sc.sendPong(data)
			continue
		case <-keepAliveTicker.C:
			werr = sc.sendKeepAlive()
			continue
		default:
			// Flush any writes from the sends above, or from
			// the blocking loop below.
			if werr = sc.buffWriter.Flush(); werr != nil {
				// we will catch the error in the beginning of the loop below; less duplication
				continue
			}
		}

		// Then a blocking select with same:
		select {
		case <-sc.ctx.Done():
			return
		case pkt := <-sc.sendCh:
			werr = sc.sendPacket(pkt.src, pkt.bytes)
		case <-sc.peerStateNotify:
			werr = sc.sendPeerStates()
		case data := <-sc.sendPongCh:
			werr = sc.sendPong(data)
		case <-keepAliveTicker.C:
			werr = sc.sendKeepAlive()
		}
	}
}

func (sc *ServerClient) setWriteDeadline() {
	// An error here will surface on the write itself.
	_ = sc.netConn.SetWriteDeadline(time.Now().Add(ServerClientWriteTimeout))
}

// sendKeepAlive sends a keep-alive frame, without flushing.
func (sc *ServerClient) sendKeepAlive() error {
	if !sc.info.SendKeepalive {
		return nil
	}

	sc.setWriteDeadline()

	return writeFrameHeader(sc.buffWriter, frameKeepAlive, 0)
}

func (sc *ServerClient) sendPacket(src key.NodePublic, data []byte) error {
	sc.setWriteDeadline()

	return writeFrame(sc.buffWriter, frameRecvPacket, src[:], data)
}

// sendPeerStates writes all pending peer present/gone frames, without flushing.
func (sc *ServerClient) sendPeerStates() error {
	for _, ps := range sc.takePeerStates() {
		sc.setWriteDeadline()

		var err error
		if ps.present {
			err = writeFrame(sc.buffWriter, framePeerPresent, ps.peer[:])
		} else {
			err = writeFrame(sc.buffWriter, framePeerGone, ps.peer[:], []byte{byte(ps.reason)})
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (sc *ServerClient) sendPong(data [8]byte) error {
	sc.setWriteDeadline()

	return writeFrame(sc.buffWriter, framePong, data[:])
}

func (sc *ServerClient) L() *slog.Logger {
	return sc.server.L().With("server-client", sc.nodeKey.Debug())
}

func (sc *ServerClient) Cancel() {
	sc.ccc(fmt.Errorf("cancelled"))
}
