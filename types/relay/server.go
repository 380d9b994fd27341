package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
)

// Server is a relay server, relaying packets between the clients connected to it,
// and to clients connected to other servers of the same mesh.
type Server struct {
	ctx context.Context
	ccc context.CancelCauseFunc

	pubKey  key.NodePublic
	privKey key.NodePrivate

	// meshKey is zero when this server does not accept mesh peers.
	meshKey key.MeshKey

	metrics *Metrics

	mu      sync.RWMutex
	clients map[key.NodePublic]*ServerClient
	// Extra connections of mesh peers that share a key with the one in clients, oldest first.
	// They are not routed to, but may watch, and take over when the active one goes away.
	dups       map[key.NodePublic][]*ServerClient
	watchers   map[*ServerClient]struct{}
	forwarders map[key.NodePublic][]PacketForwarder
}

// NewServer creates a relay server with the given identity.
//
// A zero meshKey disables meshing; mesh peers will be rejected.
func NewServer(privKey key.NodePrivate, meshKey key.MeshKey) *Server {
	ctx, ccc := context.WithCancelCause(context.Background())

	return &Server{
		ctx: ctx,
		ccc: ccc,

		pubKey:  privKey.Public(),
		privKey: privKey,
		meshKey: meshKey,

		metrics: newMetrics(),

		clients:    make(map[key.NodePublic]*ServerClient),
		dups:       make(map[key.NodePublic][]*ServerClient),
		watchers:   make(map[*ServerClient]struct{}),
		forwarders: make(map[key.NodePublic][]PacketForwarder),
	}
}

// PublicKey returns the server's public key.
func (s *Server) PublicKey() key.NodePublic {
	return s.pubKey
}

// CanMesh reports whether this server was configured with a mesh key.
func (s *Server) CanMesh() bool {
	return !s.meshKey.IsZero()
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) L() *slog.Logger {
	return slog.With("relay-server", s.pubKey.Debug())
}

func (s *Server) Logger() *slog.Logger {
	return s.L()
}

// Close disconnects every client, and makes the server refuse new ones.
func (s *Server) Close() {
	s.ccc(errServerClosed)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sc := range s.clients {
		sc.Cancel()
	}
	for _, dups := range s.dups {
		for _, sc := range dups {
			sc.Cancel()
		}
	}
}

func (s *Server) sendVersionAndKey(writer *bufio.Writer) error {
	if err := writer.WriteByte(byte(relayProtocolV0)); err != nil {
		return err
	}

	pKey := s.PublicKey()
	if err := writeFrame(writer, frameServerKey, pKey[:]); err != nil {
		return err
	}

	return writer.Flush()
}

func (s *Server) receiveClientKeyAndInfo(reader *bufio.Reader) (clientKey key.NodePublic, info *ClientInfo, err error) {
	var (
		frType FrameType
		frLen  uint32
	)

	if frType, frLen, err = readFrameHeader(reader); err != nil {
		return
	}

	if frType != frameClientInfo {
		err = fmt.Errorf("frame type was not clientinfo, got %d", frType)
		return
	}

	const minLen = key.Len + key.NaclBoxNonceLen
	if frLen < minLen {
		err = errors.New("short client info")
		return
	} else if frLen > maxInfoLen {
		err = errors.New("long client info")
		return
	}

	if _, err = io.ReadFull(reader, clientKey[:]); err != nil {
		return
	}

	if clientKey.IsZero() {
		err = errors.New("client presented zero key")
		return
	}

	msgLen := int(frLen - key.Len)
	msgbox := make([]byte, msgLen)
	if _, err = io.ReadFull(reader, msgbox); err != nil {
		err = fmt.Errorf("msgbox: %w", err)
		return
	}
	m, ok := s.privKey.OpenFrom(clientKey, msgbox)
	if !ok {
		err = fmt.Errorf("msgbox: cannot open len=%d with client key %s", msgLen, clientKey.Debug())
		return
	}
	info = new(ClientInfo)
	if err = json.Unmarshal(m, info); err != nil {
		err = fmt.Errorf("msg Unmarshal: %w", err)
		return
	}
	return clientKey, info, nil
}

func (s *Server) sendServerInfo(client *ServerClient) error {
	m, err := json.Marshal(ServerInfo{CanMesh: client.canMesh})
	if err != nil {
		return err
	}

	msgbox := s.privKey.SealTo(client.nodeKey, m)
	if err := writeFrame(client.buffWriter, frameServerInfo, msgbox); err != nil {
		return err
	}
	return client.buffWriter.Flush()
}

func (s *Server) sendRejected(writer *bufio.Writer, reason string) error {
	if err := writeFrame(writer, frameRejected, []byte(reason)); err != nil {
		return err
	}
	return writer.Flush()
}

// checkMeshKey reports whether the client may act as a mesh peer, or why it is refused.
func (s *Server) checkMeshKey(info *ClientInfo) (canMesh bool, reason string) {
	if info.MeshKey == nil {
		return false, ""
	}

	if !s.CanMesh() {
		return false, "server does not accept mesh peers"
	}

	if !s.meshKey.Equal(*info.MeshKey) {
		return false, "mesh key mismatch"
	}

	return true, ""
}

// Accept runs the relay protocol on a freshly upgraded connection, and blocks until the client goes away.
func (s *Server) Accept(ctx context.Context, nc types.MetaConn, brw *bufio.ReadWriter, remoteAddrPort netip.AddrPort) error {
	if types.IsContextDone(s.ctx) {
		return errServerClosed
	}

	reader := brw.Reader
	writer := brw.Writer

	if err := nc.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := s.sendVersionAndKey(writer); err != nil {
		s.metrics.Rejected.Inc()
		return fmt.Errorf("send server key: %w", err)
	}

	clientKey, clientInfo, err := s.receiveClientKeyAndInfo(reader)
	if err != nil {
		s.metrics.Rejected.Inc()
		return err
	}

	canMesh, reason := s.checkMeshKey(clientInfo)
	if reason != "" {
		s.metrics.Rejected.Inc()
		s.L().Warn("rejecting client", "peer", clientKey.Debug(), "addr", remoteAddrPort, "reason", reason)

		if err := s.sendRejected(writer, reason); err != nil {
			return fmt.Errorf("send rejected: %w", err)
		}
		return fmt.Errorf("client %s rejected: %s", clientKey.Debug(), reason)
	}

	// We now trust the client, clear deadline.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	innerCtx, ccc := context.WithCancelCause(ctx)

	client := &ServerClient{
		ctx: innerCtx,
		ccc: ccc,

		server:  s,
		nodeKey: clientKey,
		netConn: nc,
		canMesh: canMesh,

		buffReader: reader,
		buffWriter: writer,

		remoteAddrPort: remoteAddrPort,

		sendCh:          make(chan ServerPacket, ServerClientSendQueueDepth),
		sendPongCh:      make(chan PingData, 1),
		peerStateNotify: make(chan struct{}, 1),

		info: clientInfo,
	}

	s.metrics.Accepted.Inc()

	// Register before sending server info, packets for the client are queued from the moment its handshake returns.
	s.registerClient(client)
	defer s.unregisterClient(client)

	if err = s.sendServerInfo(client); err != nil {
		return fmt.Errorf("send server info: %w", err)
	}

	return client.Run()
}

func (s *Server) getClient(peer key.NodePublic) *ServerClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clients[peer]
}

func (s *Server) registerClient(client *ServerClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := PeerGoneDisconnected

	// Check if there's a client active on this key already.
	if old := s.clients[client.nodeKey]; old != nil {
		if old.canMesh && client.canMesh {
			// A mesh peer may hold several connections to us, the first one stays active.
			s.dups[client.nodeKey] = append(s.dups[client.nodeKey], client)
			s.countClientLocked(client)
			return
		}

		// Just cancel the old connected client.
		//
		// This may have a client start fighting another active process if two of them exist at the same time,
		// but considering that such a scenario is a bug or an attack, this disruption is warranted.
		old.Cancel()
		s.dropClientLocked(old)
		for _, dup := range s.dups[client.nodeKey] {
			dup.Cancel()
			s.dropClientLocked(dup)
		}
		delete(s.dups, client.nodeKey)
		reason = PeerGoneReplaced
	}

	s.clients[client.nodeKey] = client
	s.countClientLocked(client)

	if reason == PeerGoneReplaced {
		s.broadcastPeerStateLocked(client.nodeKey, false, reason)
	}
	s.broadcastPeerStateLocked(client.nodeKey, true, 0)
}

func (s *Server) unregisterClient(client *ServerClient) {
	client.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := client.nodeKey
	dups := s.dups[k]

	if s.clients[k] != client {
		// Either a duplicate, or already replaced by a newer connection.
		if i := slices.Index(dups, client); i != -1 {
			s.setDupsLocked(k, slices.Delete(dups, i, i+1))
			s.dropClientLocked(client)
		}
		return
	}

	s.dropClientLocked(client)

	if len(dups) > 0 {
		// The peer is still connected, nothing to announce.
		s.clients[k] = dups[0]
		s.setDupsLocked(k, dups[1:])
		return
	}

	delete(s.clients, k)

	s.broadcastPeerStateLocked(k, false, PeerGoneDisconnected)
}

func (s *Server) setDupsLocked(k key.NodePublic, dups []*ServerClient) {
	if len(dups) == 0 {
		delete(s.dups, k)
	} else {
		s.dups[k] = dups
	}
}

// isRegisteredLocked reports whether sc is the active connection for its key, or one of its duplicates.
func (s *Server) isRegisteredLocked(sc *ServerClient) bool {
	return s.clients[sc.nodeKey] == sc || slices.Contains(s.dups[sc.nodeKey], sc)
}

func (s *Server) countClientLocked(client *ServerClient) {
	s.metrics.Clients.Inc()
	if client.canMesh {
		s.metrics.MeshPeers.Inc()
	}
}

// dropClientLocked updates bookkeeping for a client that is leaving the client map.
func (s *Server) dropClientLocked(client *ServerClient) {
	delete(s.watchers, client)

	s.metrics.Clients.Dec()
	if client.canMesh {
		s.metrics.MeshPeers.Dec()
	}
}

// addWatcher subscribes a mesh peer to connection changes, starting with every client currently connected.
func (s *Server) addWatcher(sc *ServerClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRegisteredLocked(sc) {
		// Raced with replacement or disconnect.
		return
	}

	s.watchers[sc] = struct{}{}

	for k := range s.clients {
		sc.queuePeerState(peerState{peer: k, present: true})
	}
}

func (s *Server) broadcastPeerStateLocked(peer key.NodePublic, present bool, reason PeerGoneReason) {
	for w := range s.watchers {
		w.queuePeerState(peerState{peer: peer, present: present, reason: reason})
	}
}

// deliver routes a packet to a local client, or to a mesh peer that knows about dst when allowForward is set.
func (s *Server) deliver(src, dst key.NodePublic, data []byte, allowForward bool) {
	if dstClient := s.getClient(dst); dstClient != nil {
		slog.Log(context.Background(), types.LevelTrace, "sending packet", "src", src.Debug(), "dst", dst.Debug())

		dstClient.SendPacket(ServerPacket{
			bytes: data,
			src:   src,
		})
		return
	}

	if allowForward {
		if fwd := s.getForwarder(dst); fwd != nil {
			if err := fwd.ForwardPacket(src, dst, data); err != nil {
				s.metrics.PacketsDropped.WithLabelValues(dropReasonForwardError).Inc()
				s.L().Warn("dropping packet", "to-peer", dst.Debug(), "reason", "forward-failed", "err", err)
				return
			}

			s.metrics.PacketsForwarded.Inc()
			return
		}
	}

	// We can't do much more than drop the packet
	s.metrics.PacketsDropped.WithLabelValues(dropReasonNoRoute).Inc()
	s.L().Warn("dropping packet", "to-peer", dst.Debug(), "reason", "client-not-connected")
}
