package relayhttp

import (
	"bufio"
	"context"
	"fmt"
	"net/url"

	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/dial"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
)

// RelayPath is where relay servers accept protocol upgrades.
const RelayPath = "/relay"

func makeRelayURL(opts dial.Opts) string {
	proto := "http"
	domain := opts.Domain
	if opts.TLS {
		proto = "https"
	}
	if domain == "" {
		domain = "relay.ts"
	}
	return fmt.Sprintf("%s://%s%s", proto, domain, RelayPath)
}

type RelayDialFunc func(ctx context.Context, opts dial.Opts, getPriv func() *key.NodePrivate, expectKey key.NodePublic) (*relay.Client, error)

var _ RelayDialFunc = Dial

// Dial connects to a relay server as a regular client.
//
// If expectKey is non-zero, the server must present it.
func Dial(ctx context.Context, opts dial.Opts, getPriv func() *key.NodePrivate, expectKey key.NodePublic) (*relay.Client, error) {
	opts.SetDefaults()

	c, err := dialRelay(ctx, opts, makeRelayURL(opts), getPriv, key.MeshKey{})
	if err != nil {
		return nil, err
	}

	if !expectKey.IsZero() && c.RelayKey() != expectKey {
		err = fmt.Errorf("relay key did not match expected key")
		c.Cancel(err)

		return nil, err
	}

	return c, nil
}

// DialURL connects to the relay server at u, which is used as-is for the upgrade request.
//
// A non-zero meshKey connects as a mesh peer.
func DialURL(ctx context.Context, u *url.URL, getPriv func() *key.NodePrivate, meshKey key.MeshKey) (*relay.Client, error) {
	opts, err := dial.OptsFromURL(u)
	if err != nil {
		return nil, err
	}

	return dialRelay(ctx, opts, u.String(), getPriv, meshKey)
}

func dialRelay(ctx context.Context, opts dial.Opts, url string, getPriv func() *key.NodePrivate, meshKey key.MeshKey) (*relay.Client, error) {
	return dial.HTTP(ctx, opts, url, relay.UpgradeProtocol, func(parentCtx context.Context, mc types.MetaConn, brw *bufio.ReadWriter, opts dial.Opts) (*relay.Client, error) {
		return relay.EstablishClient(parentCtx, mc, brw, opts.EstablishTimeout, getPriv, meshKey)
	})
}
