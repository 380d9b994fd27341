package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
)

const (
	PacketChanLen = 16

	PingInterval = 30 * time.Second
)

// Client is a Relay client that lives as long as its conn does
type Client struct {
	ctx context.Context
	ccc context.CancelCauseFunc

	mc types.MetaConn

	recvMutex sync.Mutex
	reader    *bufio.Reader

	sendMutex sync.Mutex
	writer    *bufio.Writer

	getPriv func() *key.NodePrivate
	meshKey key.MeshKey

	relayServerKey key.NodePublic
	serverInfo     *ServerInfo

	sendCh  chan SendPacket
	fwdCh   chan forwardRequest
	watchCh chan struct{}

	recvCh chan RecvPacket
	peerCh chan PeerUpdate

	closeOnce sync.Once
}

var _ PacketForwarder = (*Client)(nil)

type SendPacket struct {
	Dst key.NodePublic

	Data []byte
}

type RecvPacket struct {
	Src key.NodePublic

	Data []byte
}

// PeerUpdate is a change in the set of clients connected to the relay server,
// only received by mesh peers after WatchConns.
type PeerUpdate struct {
	Peer key.NodePublic

	Present bool

	// Only set when Present is false.
	Reason PeerGoneReason
}

type forwardRequest struct {
	src, dst key.NodePublic
	data     []byte
}

// EstablishClient creates a new relay.Client on a given MetaConn with associated bufio.ReadWriter.
//
// It logs in and authenticates the server before returning a Client object.
// If any error occurs, or no client can be established before timeout, it returns.
//
// A non-zero meshKey asks the server to treat this client as a mesh peer; a server that
// does not share the key answers with a *RejectedError.
func EstablishClient(parentCtx context.Context, mc types.MetaConn, brw *bufio.ReadWriter, timeout time.Duration, getPriv func() *key.NodePrivate, meshKey key.MeshKey) (*Client, error) {
	ctx, ccc := context.WithCancelCause(parentCtx)

	c := &Client{
		ctx: ctx,
		ccc: ccc,

		mc: mc,

		reader: brw.Reader,
		writer: brw.Writer,

		getPriv: getPriv,
		meshKey: meshKey,

		sendCh:  make(chan SendPacket, PacketChanLen),
		fwdCh:   make(chan forwardRequest, PacketChanLen),
		watchCh: make(chan struct{}, 1),

		recvCh: make(chan RecvPacket, PacketChanLen),
		peerCh: make(chan PeerUpdate, PacketChanLen),
	}

	if err := c.handshake(timeout); err != nil {
		ccc(err)
		return nil, err
	}

	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	go c.RunReceive()
	go c.RunSend()

	return c, nil
}

func (c *Client) handshake(timeout time.Duration) error {
	// Make sure any reads that don't complete before the deadline return with an error.
	if err := c.mc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("could not set deadline: %w", err)
	}

	ver, err := c.recvVersion()
	if err != nil {
		return fmt.Errorf("error receiving server version: %w", err)
	}

	if ver != relayProtocolV0 {
		return fmt.Errorf("unsupported relay version, expected v0, got %d", ver)
	}

	if err = c.recvServerKey(); err != nil {
		return fmt.Errorf("error receiving server key: %w", err)
	}

	if err = c.sendClientInfo(); err != nil {
		return fmt.Errorf("error sending client info: %w", err)
	}

	if c.serverInfo, err = c.recvServerInfo(); err != nil {
		return fmt.Errorf("error receiving server info: %w", err)
	}

	if !c.meshKey.IsZero() && !c.serverInfo.CanMesh {
		return &RejectedError{Reason: "server did not accept mesh key"}
	}

	// Reset the deadline mechanism
	if err = c.mc.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("could not reset deadline: %w", err)
	}

	return nil
}

func (c *Client) Send() chan<- SendPacket {
	return c.sendCh
}

func (c *Client) Recv() <-chan RecvPacket {
	return c.recvCh
}

// PeerUpdates returns the peer present/gone notifications, see WatchConns.
func (c *Client) PeerUpdates() <-chan PeerUpdate {
	return c.peerCh
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) Err() error {
	return context.Cause(c.ctx)
}

func (c *Client) privateKey() *key.NodePrivate {
	return c.getPriv()
}

func (c *Client) publicKey() key.NodePublic {
	return c.privateKey().Public()
}

// RelayKey returns the key of the relay we're connected to.
func (c *Client) RelayKey() key.NodePublic {
	return c.relayServerKey
}

// CanMesh reports whether the server accepted this client as a mesh peer.
func (c *Client) CanMesh() bool {
	return c.serverInfo != nil && c.serverInfo.CanMesh
}

// WatchConns asks the server to stream peer present/gone updates on PeerUpdates.
//
// Only mesh peers may do this; the server disconnects anyone else.
func (c *Client) WatchConns() error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case c.watchCh <- struct{}{}:
	default:
		// A watch request is already pending.
	}

	return nil
}

// ForwardPacket queues a packet from src, a client of a meshed server, to dst, a client of the server
// we're connected to.
//
// It does not block; when the send queue is full, the packet is dropped and an error returned.
func (c *Client) ForwardPacket(src, dst key.NodePublic, data []byte) error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case c.fwdCh <- forwardRequest{src: src, dst: dst, data: data}:
		return nil
	default:
		return errSendQueueFull
	}
}

// recvVersion assumes the caller has ownership, or lock
func (c *Client) recvVersion() (ProtocolVersion, error) {
	b, err := c.reader.ReadByte()

	return ProtocolVersion(b), err
}

// recvServerKey assumes the caller has ownership, or lock
func (c *Client) recvServerKey() error {
	frTyp, frLen, err := readFrameHeader(c.reader)
	if err != nil {
		return err
	}

	if frTyp != frameServerKey {
		return errInvalidFrameType
	}

	if frLen < key.Len {
		return errors.New("server key frame length too small")
	} else if frLen > key.Len {
		return errors.New("server key frame length too big")
	}

	if _, err = io.ReadFull(c.reader, c.relayServerKey[:]); err != nil {
		return err
	}

	if c.relayServerKey.IsZero() {
		return errors.New("server sent zero key")
	}

	return nil
}

// sendClientInfo assumes the caller has ownership, or lock
func (c *Client) sendClientInfo() error {
	info := ClientInfo{SendKeepalive: true}
	if !c.meshKey.IsZero() {
		mk := c.meshKey
		info.MeshKey = &mk
	}

	m, err := json.Marshal(info)
	if err != nil {
		return err
	}
	msgbox := c.privateKey().SealTo(c.relayServerKey, m)

	pub := c.publicKey()

	if err = writeFrame(c.writer, frameClientInfo, slices.Concat(pub[:], msgbox)); err != nil {
		return err
	}

	return c.writer.Flush()
}

// recvServerInfo assumes the caller has ownership, or lock
func (c *Client) recvServerInfo() (*ServerInfo, error) {
	frTyp, frLen, err := readFrameHeader(c.reader)
	if err != nil {
		return nil, err
	}

	switch frTyp {
	case frameServerInfo:
		// expected
	case frameRejected:
		return nil, c.recvRejected(frLen)
	default:
		return nil, errInvalidFrameType
	}

	if frLen < key.NaclBoxNonceLen {
		return nil, errors.New("frame too small for naclbox nonce")
	} else if frLen > MaxPacketSize {
		return nil, errPacketTooLarge
	}

	var msgbox = make([]byte, frLen)

	if _, err = io.ReadFull(c.reader, msgbox); err != nil {
		return nil, err
	}

	text, ok := c.privateKey().OpenFrom(c.relayServerKey, msgbox)

	if !ok {
		return nil, errors.New("could not open server info msgbox")
	}

	info := new(ServerInfo)

	if err = json.Unmarshal(text, info); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return info, nil
}

func (c *Client) recvRejected(frLen uint32) error {
	if frLen > maxRejectReasonLen {
		return errPacketTooLarge
	}

	reason := make([]byte, frLen)
	if _, err := io.ReadFull(c.reader, reason); err != nil {
		return fmt.Errorf("reading reject reason: %w", err)
	}

	return &RejectedError{Reason: string(reason)}
}

func (c *Client) Cancel(err error) {
	c.ccc(err)
	_ = c.mc.SetDeadline(time.Now().Add(10 * time.Millisecond))
}

// Close closes the underlying connection, it is called automatically once the client's context is done.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.ccc(errors.New("closed"))

		if err := c.mc.Close(); err != nil {
			slog.Debug("error closing relay client conn", "err", err)
		}
	})
}

func (c *Client) RunReceive() {
	if !c.recvMutex.TryLock() {
		slog.Error("could not lock recvMutex, is RunReceive already running?")
		return
	}
	defer c.recvMutex.Unlock()

	defer func() {
		if v := recover(); v != nil {
			c.Cancel(fmt.Errorf("reader panicked: %s", v))
		}
	}()

	var (
		frTyp FrameType
		frLen uint32
		err   error
	)

	for {
		frTyp, frLen, err = readFrameHeader(c.reader)

		if types.IsContextDone(c.ctx) {
			return
		}

		if err != nil {
			c.Cancel(fmt.Errorf("error receiving frame header: %w", err))
			return
		}

		switch frTyp {
		case frameRecvPacket:
			err = c.handleRecvPacket(frLen)
		case framePeerPresent:
			err = c.handlePeerUpdate(frLen, true)
		case framePeerGone:
			err = c.handlePeerUpdate(frLen, false)
		case framePong:
			// Ignore for now
			_, err = c.reader.Discard(int(frLen))
		case frameKeepAlive:
			if frLen != 0 {
				err = errKeepAliveNonZeroLen
			}
			// We've acked it by receiving it, fallthrough
		default:
			err = fmt.Errorf("received unknown frame type: %d", frTyp)
		}

		if err != nil {
			c.Cancel(fmt.Errorf("error processing frame of type %d: %w", frTyp, err))
			return
		}
	}
}

func (c *Client) handleRecvPacket(frLen uint32) error {
	if frLen < key.Len {
		return errors.New("recvpacket len too small for key")
	} else if frLen-key.Len > MaxPacketSize {
		return errPacketTooLarge
	}

	pkt := RecvPacket{
		Data: make([]byte, frLen-key.Len),
	}

	if _, err := io.ReadFull(c.reader, pkt.Src[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(c.reader, pkt.Data); err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
	case c.recvCh <- pkt:
	}

	return nil
}

func (c *Client) handlePeerUpdate(frLen uint32, present bool) error {
	want := uint32(key.Len)
	if !present {
		want++
	}

	if frLen < want {
		return fmt.Errorf("peer update frame too short: %d", frLen)
	}

	var upd PeerUpdate
	upd.Present = present

	if _, err := io.ReadFull(c.reader, upd.Peer[:]); err != nil {
		return err
	}

	if !present {
		r, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		upd.Reason = PeerGoneReason(r)
	}

	// Leave room for future additions.
	if extra := int(frLen - want); extra > 0 {
		if _, err := c.reader.Discard(extra); err != nil {
			return err
		}
	}

	select {
	case <-c.ctx.Done():
	case c.peerCh <- upd:
	}

	return nil
}

func (c *Client) RunSend() {
	if !c.sendMutex.TryLock() {
		slog.Error("could not lock sendMutex, is RunSend already running?")
		return
	}
	defer c.sendMutex.Unlock()

	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	defer func() {
		if v := recover(); v != nil {
			c.Cancel(fmt.Errorf("sender panicked: %s", v))
		}
	}()

	var err error

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-pingTicker.C:
			err = writeFrame(c.writer, framePing, []byte("toversok"))
		case pkt := <-c.sendCh:
			err = writeFrame(c.writer, frameSendPacket, pkt.Dst[:], pkt.Data)
		case req := <-c.fwdCh:
			err = writeFrame(c.writer, frameForwardPacket, req.src[:], req.dst[:], req.data)
		case <-c.watchCh:
			err = writeFrameHeader(c.writer, frameWatchConns, 0)
		}

		if err == nil {
			err = c.writer.Flush()
		}

		if err != nil {
			c.Cancel(fmt.Errorf("error writing: %w", err))
			return
		}
	}
}
