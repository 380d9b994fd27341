package relayhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edup2p/relaymesh/types/dial"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func startServer(t *testing.T, meshKey key.MeshKey) (*relay.Server, *url.URL) {
	t.Helper()

	s := relay.NewServer(key.NewNode(), meshKey)

	mux := http.NewServeMux()
	mux.Handle(RelayPath, ServerHandler(s))

	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})

	u, err := url.Parse(hs.URL + RelayPath)
	require.NoError(t, err)

	return s, u
}

func connect(t *testing.T, u *url.URL) (*relay.Client, key.NodePublic) {
	t.Helper()

	priv := key.NewNode()
	c, err := DialURL(context.Background(), u, func() *key.NodePrivate { return &priv }, key.MeshKey{})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c, priv.Public()
}

type recordingHandler struct {
	mu     sync.Mutex
	routes map[key.NodePublic][]relay.PacketForwarder
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{routes: make(map[key.NodePublic][]relay.PacketForwarder)}
}

func (h *recordingHandler) AddPacketForwarder(dst key.NodePublic, fwd relay.PacketForwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[dst] = append(h.routes[dst], fwd)
}

func (h *recordingHandler) RemovePacketForwarder(dst key.NodePublic, fwd relay.PacketForwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fwds := h.routes[dst]
	for i, f := range fwds {
		if f == fwd {
			fwds = append(fwds[:i], fwds[i+1:]...)
			break
		}
	}

	if len(fwds) == 0 {
		delete(h.routes, dst)
	} else {
		h.routes[dst] = fwds
	}
}

func (h *recordingHandler) has(dst key.NodePublic) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.routes[dst]) > 0
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.routes)
}

func TestDialURL(t *testing.T) {
	s, u := startServer(t, key.MeshKey{})

	c, _ := connect(t, u)
	assert.Equal(t, s.PublicKey(), c.RelayKey())
}

func TestDialExpectKey(t *testing.T) {
	s, u := startServer(t, key.MeshKey{})

	opts, err := dial.OptsFromURL(u)
	require.NoError(t, err)

	priv := key.NewNode()
	getPriv := func() *key.NodePrivate { return &priv }

	c, err := Dial(context.Background(), opts, getPriv, s.PublicKey())
	require.NoError(t, err)
	c.Close()

	_, err = Dial(context.Background(), opts, getPriv, key.NewNode().Public())
	assert.Error(t, err)
}

func TestDialNotARelay(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	defer hs.Close()

	u, err := url.Parse(hs.URL + RelayPath)
	require.NoError(t, err)

	priv := key.NewNode()
	_, err = DialURL(context.Background(), u, func() *key.NodePrivate { return &priv }, key.MeshKey{})
	assert.Error(t, err)
}

func TestServerHandlerRequiresUpgrade(t *testing.T) {
	_, u := startServer(t, key.MeshKey{})

	resp, err := http.Get(u.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestNewMeshClientNilURL(t *testing.T) {
	_, err := NewMeshClient(key.NewMesh(), key.NewNode(), nil)
	assert.Error(t, err)
}

func TestMeshClientRoutes(t *testing.T) {
	mk := key.NewMesh()
	_, u := startServer(t, mk)

	local := key.NewNode()
	m, err := NewMeshClient(mk, local, u)
	require.NoError(t, err)

	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.RunMeshClient(ctx, h)
	}()

	bob, bobPub := connect(t, u)

	assert.Eventually(t, func() bool { return h.has(bobPub) }, testTimeout, 10*time.Millisecond)

	// The mesh connection itself is never routed.
	assert.False(t, h.has(local.Public()))

	bob.Close()
	assert.Eventually(t, func() bool { return !h.has(bobPub) }, testTimeout, 10*time.Millisecond)

	_, carolPub := connect(t, u)
	assert.Eventually(t, func() bool { return h.has(carolPub) }, testTimeout, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("mesh client did not stop")
	}

	assert.Equal(t, 0, h.count())
}

func TestMeshClientForwards(t *testing.T) {
	mk := key.NewMesh()
	_, u := startServer(t, mk)

	m, err := NewMeshClient(mk, key.NewNode(), u)
	require.NoError(t, err)

	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = m.RunMeshClient(ctx, h)
	}()

	bob, bobPub := connect(t, u)
	require.Eventually(t, func() bool { return h.has(bobPub) }, testTimeout, 10*time.Millisecond)

	h.mu.Lock()
	fwd := h.routes[bobPub][0]
	h.mu.Unlock()

	src := key.NewNode().Public()
	require.NoError(t, fwd.ForwardPacket(src, bobPub, []byte("forwarded")))

	select {
	case pkt := <-bob.Recv():
		assert.Equal(t, src, pkt.Src)
		assert.Equal(t, []byte("forwarded"), pkt.Data)
	case <-time.After(testTimeout):
		t.Fatal("forwarded packet did not arrive")
	}
}

func TestMeshClientRejected(t *testing.T) {
	_, u := startServer(t, key.NewMesh())

	m, err := NewMeshClient(key.NewMesh(), key.NewNode(), u)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.RunMeshClient(context.Background(), newRecordingHandler())
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, relay.ErrRejected)
	case <-time.After(testTimeout):
		t.Fatal("mesh client kept retrying a rejected mesh key")
	}
}

func TestMeshClientReconnects(t *testing.T) {
	mk := key.NewMesh()
	_, u := startServer(t, mk)

	m, err := NewMeshClient(mk, key.NewNode(), u)
	require.NoError(t, err)

	m.initialBackoff = time.Millisecond
	m.maxBackoff = 10 * time.Millisecond

	var attempts atomic.Int32
	m.dial = func(ctx context.Context, u *url.URL, getPriv func() *key.NodePrivate, meshKey key.MeshKey) (*relay.Client, error) {
		if attempts.Add(1) <= 3 {
			return nil, errors.New("unreachable")
		}
		return DialURL(ctx, u, getPriv, meshKey)
	}

	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = m.RunMeshClient(ctx, h)
	}()

	_, bobPub := connect(t, u)

	assert.Eventually(t, func() bool { return h.has(bobPub) }, testTimeout, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(4))
}
