package dial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/edup2p/relaymesh/types"
)

// upgradeResponseTimeout bounds how long we wait for the server to answer the upgrade request.
const upgradeResponseTimeout = 5 * time.Second

// HTTP dials according to opts, asks the server at url to upgrade the connection to protocol,
// and hands the upgraded connection to makeClient.
//
// The connection is closed when any step fails.
func HTTP[T any](ctx context.Context, opts Opts, url, protocol string, makeClient func(parentCtx context.Context, mc types.MetaConn, brw *bufio.ReadWriter, opts Opts) (*T, error)) (*T, error) {
	opts.SetDefaults()

	netConn, err := WithTLS(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c, err := upgrade(ctx, netConn, opts, url, protocol, makeClient)
	if err != nil {
		if cerr := netConn.Close(); cerr != nil {
			slog.Debug("error closing conn after failed upgrade", "err", cerr)
		}
		return nil, err
	}

	return c, nil
}

func upgrade[T any](ctx context.Context, netConn net.Conn, opts Opts, url, protocol string, makeClient func(parentCtx context.Context, mc types.MetaConn, brw *bufio.ReadWriter, opts Opts) (*T, error)) (*T, error) {
	// Unblock any read or write below when ctx goes away mid-upgrade.
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Now())
	})
	defer stop()

	brw := bufio.NewReadWriter(bufio.NewReader(netConn), bufio.NewWriter(netConn))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	req.Header.Set("Upgrade", protocol)
	req.Header.Set("Connection", "Upgrade")

	if err := req.Write(brw); err != nil {
		return nil, fmt.Errorf("could not write http request: %w", err)
	}
	if err := brw.Flush(); err != nil {
		return nil, fmt.Errorf("could not flush http request: %w", err)
	}

	if err := netConn.SetReadDeadline(time.Now().Add(upgradeResponseTimeout)); err != nil {
		return nil, fmt.Errorf("could not set read deadline: %w", err)
	}
	resp, err := http.ReadResponse(brw.Reader, req)
	if err != nil {
		return nil, fmt.Errorf("could not read http response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET did not result in 101 response code: %d \"%s\"", resp.StatusCode, b)
	}

	if err := netConn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("could not reset read deadline: %w", err)
	}

	if !stop() {
		return nil, fmt.Errorf("upgrade interrupted: %w", context.Cause(ctx))
	}

	// At this point, we're speaking the protocol with the server.

	c, err := makeClient(ctx, netConn, brw, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to establish client: %w", err)
	}

	return c, nil
}
