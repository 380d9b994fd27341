package relayhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
)

const (
	meshInitialBackoff = 500 * time.Millisecond
	meshMaxBackoff     = 30 * time.Second
)

type dialURLFunc func(ctx context.Context, u *url.URL, getPriv func() *key.NodePrivate, meshKey key.MeshKey) (*relay.Client, error)

// MeshClient keeps a mesh connection to one other relay server of the same mesh, and publishes
// routes to the clients of that server into a local relay.PacketForwarderHandler.
type MeshClient struct {
	meshKey key.MeshKey
	priv    key.NodePrivate
	url     *url.URL

	dial dialURLFunc

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewMeshClient prepares a mesh connection to the relay server at u, it does not connect yet.
//
// priv is the identity of the local relay server.
func NewMeshClient(meshKey key.MeshKey, priv key.NodePrivate, u *url.URL) (*MeshClient, error) {
	if u == nil {
		return nil, errors.New("mesh client: nil url")
	}

	return &MeshClient{
		meshKey: meshKey,
		priv:    priv,
		url:     u,

		dial: DialURL,

		initialBackoff: meshInitialBackoff,
		maxBackoff:     meshMaxBackoff,
	}, nil
}

func (m *MeshClient) URL() *url.URL {
	return m.url
}

func (m *MeshClient) L() *slog.Logger {
	return slog.With("mesh-client", m.url.String())
}

func (m *MeshClient) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialBackoff
	bo.MaxInterval = m.maxBackoff
	// Retry until cancelled.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// RunMeshClient connects to the remote relay server, and reconnects whenever the connection is lost,
// until ctx is cancelled.
//
// While connected, every client of the remote server is routed through this connection by handler.
// It returns ctx.Err() on cancellation, or an error matching relay.ErrRejected when the remote server
// refuses the mesh key.
func (m *MeshClient) RunMeshClient(ctx context.Context, handler relay.PacketForwarderHandler) error {
	bo := m.newBackOff()

	for {
		established, err := m.runOnce(ctx, handler)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, relay.ErrRejected) {
			return err
		}

		if established {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		m.L().Info("mesh connection lost, reconnecting", "err", err, "retry-in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce runs a single mesh connection, established reports if the handshake succeeded.
func (m *MeshClient) runOnce(ctx context.Context, handler relay.PacketForwarderHandler) (established bool, err error) {
	c, err := m.dial(ctx, m.url, func() *key.NodePrivate { return &m.priv }, m.meshKey)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", m.url, err)
	}
	defer c.Close()

	if err = c.WatchConns(); err != nil {
		return true, fmt.Errorf("watch conns: %w", err)
	}

	m.L().Debug("mesh connection established", "relay-key", c.RelayKey().Debug())

	local := m.priv.Public()
	routes := make(map[key.NodePublic]struct{})

	defer func() {
		for peer := range routes {
			handler.RemovePacketForwarder(peer, c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-c.Done():
			return true, c.Err()
		case pkt := <-c.Recv():
			// Nobody should address the relay server itself.
			m.L().Log(ctx, types.LevelTrace, "dropping packet addressed to mesh connection", "src", pkt.Src.Debug())
		case upd := <-c.PeerUpdates():
			if upd.Peer == local {
				// Our own connection to the remote server.
				continue
			}

			_, known := routes[upd.Peer]

			switch {
			case upd.Present && !known:
				routes[upd.Peer] = struct{}{}
				handler.AddPacketForwarder(upd.Peer, c)
			case !upd.Present && known:
				delete(routes, upd.Peer)
				handler.RemovePacketForwarder(upd.Peer, c)
			}
		}
	}
}
