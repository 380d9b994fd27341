package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) AddPacketForwarder(key.NodePublic, relay.PacketForwarder)    {}
func (nopHandler) RemovePacketForwarder(key.NodePublic, relay.PacketForwarder) {}

// fakeRunner runs until cancelled, unless fail is set.
type fakeRunner struct {
	url *url.URL

	fail error

	// lingers after cancellation before returning
	linger time.Duration

	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakeRunner) RunMeshClient(ctx context.Context, _ relay.PacketForwarderHandler) error {
	f.started.Store(true)

	if f.fail != nil {
		return f.fail
	}

	<-ctx.Done()
	time.Sleep(f.linger)
	f.stopped.Store(true)

	return ctx.Err()
}

type fakeBuilder struct {
	mu      sync.Mutex
	runners []*fakeRunner

	configure func(r *fakeRunner)
}

func (b *fakeBuilder) build(_ key.MeshKey, _ key.NodePrivate, u *url.URL) (Runner, error) {
	if u == nil {
		return nil, errors.New("nil url")
	}

	r := &fakeRunner{url: u}
	if b.configure != nil {
		b.configure(r)
	}

	b.mu.Lock()
	b.runners = append(b.runners, r)
	b.mu.Unlock()

	return r, nil
}

func (b *fakeBuilder) all() []*fakeRunner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeRunner(nil), b.runners...)
}

func testURLs(t *testing.T, n int) []*url.URL {
	var urls []*url.URL
	for i := 0; i < n; i++ {
		urls = append(urls, mustURL(t, fmt.Sprintf("http://relay.example.com:%d000/relay", i+1)))
	}
	return urls
}

func newTestClients(addrs Addrs, b *fakeBuilder) *Clients {
	return newClients(key.NewMesh(), key.NewNode(), addrs, nopHandler{}, b.build)
}

func TestMeshSpawnsOnePerEndpoint(t *testing.T) {
	urls := testURLs(t, 3)
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(urls...), b)
	defer c.Shutdown()

	c.Mesh()

	require.Equal(t, 3, c.Len())

	runners := b.all()
	require.Len(t, runners, 3)
	for i, r := range runners {
		assert.Same(t, urls[i], r.url)
	}

	assert.Eventually(t, func() bool {
		for _, r := range runners {
			if !r.started.Load() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, 3, c.Running())
}

func TestMeshFailureIsolation(t *testing.T) {
	urls := testURLs(t, 3)
	b := &fakeBuilder{
		configure: func(r *fakeRunner) {
			if r.url.Port() == "2000" {
				r.fail = relay.ErrRejected
			}
		},
	}
	c := newTestClients(AddrsList(urls...), b)

	c.Mesh()

	assert.Eventually(t, func() bool {
		return c.Running() == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, 3, c.Len())

	c.Shutdown()

	runners := b.all()
	assert.True(t, runners[0].stopped.Load())
	assert.False(t, runners[1].stopped.Load())
	assert.True(t, runners[2].stopped.Load())
}

func TestShutdownWaitsForAll(t *testing.T) {
	b := &fakeBuilder{
		configure: func(r *fakeRunner) {
			r.linger = 50 * time.Millisecond
		},
	}
	c := newTestClients(AddrsList(testURLs(t, 4)...), b)

	c.Mesh()
	c.Shutdown()

	assert.Equal(t, 0, c.Running())
	for _, r := range b.all() {
		assert.True(t, r.stopped.Load())
	}
}

func TestShutdownIdempotent(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(testURLs(t, 2)...), b)

	c.Mesh()
	c.Shutdown()
	c.Shutdown()

	assert.Equal(t, 0, c.Running())
}

func TestShutdownBeforeMesh(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(testURLs(t, 2)...), b)

	c.Shutdown()
	c.Mesh()

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, b.all())
}

func TestMeshAfterShutdownSpawnsNothing(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(testURLs(t, 2)...), b)

	c.Mesh()
	c.Shutdown()
	c.Mesh()

	assert.Equal(t, 2, c.Len())
	assert.Len(t, b.all(), 2)
	assert.Equal(t, 0, c.Running())
}

func TestRemeshAppends(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(testURLs(t, 2)...), b)

	c.Mesh()
	c.Mesh()

	assert.Equal(t, 4, c.Len())

	assert.Eventually(t, func() bool {
		return c.Running() == 4
	}, time.Second, time.Millisecond)

	c.Shutdown()

	assert.Equal(t, 0, c.Running())
	for _, r := range b.all() {
		assert.True(t, r.stopped.Load())
	}
}

func TestMeshEmptyAddrs(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(), b)

	c.Mesh()

	assert.Equal(t, 0, c.Len())
	c.Shutdown()
}

func TestMeshPanicsOnBuildFailure(t *testing.T) {
	b := new(fakeBuilder)
	c := newTestClients(AddrsList(nil), b)
	defer c.Shutdown()

	assert.Panics(t, c.Mesh)
}

func TestNewClientsDefaultBuilder(t *testing.T) {
	c := NewClients(key.NewMesh(), key.NewNode(), AddrsList(), nopHandler{})

	r, err := c.build(key.NewMesh(), key.NewNode(), mustURL(t, "http://127.0.0.1:1/relay"))
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = c.build(key.NewMesh(), key.NewNode(), nil)
	assert.Error(t, err)
}
