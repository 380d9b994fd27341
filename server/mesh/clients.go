// Package mesh keeps a relay server connected to the other relay servers of its mesh,
// so that packets for clients homed on another server can be forwarded there.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/edup2p/relaymesh/types/relay/relayhttp"
)

// shutdownGrace is how long Shutdown waits before it starts naming the tasks it is waiting on.
const shutdownGrace = 5 * time.Second

// Runner is a single mesh connection, running until its context is cancelled.
type Runner interface {
	RunMeshClient(ctx context.Context, handler relay.PacketForwarderHandler) error
}

// ClientBuilder creates the mesh connection to the peer at u.
type ClientBuilder func(meshKey key.MeshKey, serverKey key.NodePrivate, u *url.URL) (Runner, error)

func buildMeshClient(meshKey key.MeshKey, serverKey key.NodePrivate, u *url.URL) (Runner, error) {
	c, err := relayhttp.NewMeshClient(meshKey, serverKey, u)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type task struct {
	url    *url.URL
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Clients runs one mesh connection per peer address, each registering routes with a shared handler.
//
// Mesh and Shutdown must not be called concurrently.
type Clients struct {
	meshKey   key.MeshKey
	serverKey key.NodePrivate
	addrs     Addrs
	handler   relay.PacketForwarderHandler

	build ClientBuilder

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  []*task
	closed bool
}

// NewClients prepares mesh connections from the relay server identified by serverKey to addrs.
// Nothing is started until Mesh is called.
func NewClients(meshKey key.MeshKey, serverKey key.NodePrivate, addrs Addrs, handler relay.PacketForwarderHandler) *Clients {
	return newClients(meshKey, serverKey, addrs, handler, buildMeshClient)
}

func newClients(meshKey key.MeshKey, serverKey key.NodePrivate, addrs Addrs, handler relay.PacketForwarderHandler, build ClientBuilder) *Clients {
	ctx, cancel := context.WithCancel(context.Background())

	return &Clients{
		meshKey:   meshKey,
		serverKey: serverKey,
		addrs:     addrs,
		handler:   handler,

		build: build,

		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Clients) L() *slog.Logger {
	return slog.With("mesh", c.serverKey.Public().Debug())
}

// Mesh starts a mesh connection to every resolved address, and returns without waiting on them.
//
// Calling it again starts another connection per address, next to the existing ones.
// It panics if a mesh connection cannot be created, which only happens on invalid input.
func (c *Clients) Mesh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.L().Error("mesh called after shutdown, not starting any connections")
		return
	}

	for _, u := range c.addrs.Resolve() {
		client, err := c.build(c.meshKey, c.serverKey, u)
		if err != nil {
			panic(fmt.Sprintf("could not create mesh client for %s: %s", u, err))
		}

		ctx, cancel := context.WithCancel(c.ctx)
		t := &task{
			url:    u,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		c.tasks = append(c.tasks, t)

		c.L().Debug("starting mesh client", "mesh-url", u.String())

		go c.run(ctx, t, client)
	}
}

func (c *Clients) run(ctx context.Context, t *task, client Runner) {
	defer close(t.done)
	defer t.cancel()

	defer func() {
		if v := recover(); v != nil {
			c.L().Error("mesh client panicked", "mesh-url", t.url.String(), "panic", v)
		}
	}()

	err := client.RunMeshClient(ctx, c.handler)

	switch {
	case err == nil:
		c.L().Debug("mesh client finished", "mesh-url", t.url.String())
	case errors.Is(err, context.Canceled):
		c.L().Debug("mesh client stopped", "mesh-url", t.url.String())
	default:
		c.L().Warn("mesh client failed", "mesh-url", t.url.String(), "err", err)
	}
}

// Shutdown stops every mesh connection, and blocks until all of them have exited.
//
// Only the first call does anything.
func (c *Clients) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tasks := slices.Clone(c.tasks)
	c.mu.Unlock()

	c.cancel()
	for _, t := range tasks {
		t.cancel()
	}

	ticker := time.NewTicker(shutdownGrace)
	defer ticker.Stop()

	for _, t := range tasks {
	wait:
		for {
			select {
			case <-t.done:
				break wait
			case <-ticker.C:
				c.L().Warn("still waiting for mesh clients to stop", "mesh-urls", pending(tasks))
			}
		}
	}

	c.L().Debug("mesh clients stopped", "count", len(tasks))
}

func pending(tasks []*task) []string {
	var urls []string
	for _, t := range tasks {
		if !t.finished() {
			urls = append(urls, t.url.String())
		}
	}
	return urls
}

// Len returns how many mesh connections were ever started.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tasks)
}

// Running returns how many mesh connections have not exited yet.
func (c *Clients) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, t := range c.tasks {
		if !t.finished() {
			n++
		}
	}
	return n
}
