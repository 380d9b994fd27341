package dial

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/edup2p/relaymesh/types"
)

const tcpKeepAlivePeriod = 11 * time.Second

// ProtocolServer is anything that can run a protocol over a hijacked HTTP connection.
type ProtocolServer interface {
	Logger() *slog.Logger
	Accept(ctx context.Context, mc types.MetaConn, brw *bufio.ReadWriter, remoteAddrPort netip.AddrPort) error
}

// HTTPHandler returns a handler that upgrades requests asking for proto, and hands the connection to s.
func HTTPHandler(s ProtocolServer, proto string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := strings.ToLower(r.Header.Get("Upgrade"))

		if up != proto {
			if up != "" {
				s.Logger().Warn("odd upgrade requested", "upgrade", up, "peer", r.RemoteAddr)
			}
			http.Error(w, "relay requires correct protocol upgrade", http.StatusUpgradeRequired)
			return
		}

		h, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "HTTP does not support general TCP support", http.StatusInternalServerError)
			return
		}

		netConn, brw, err := h.Hijack()
		if err != nil {
			s.Logger().Warn("hijack failed", "error", err, "peer", r.RemoteAddr)
			http.Error(w, "HTTP does not support general TCP support", http.StatusInternalServerError)
			return
		}

		setKeepAlive(s.Logger(), netConn, r.RemoteAddr)

		defer func() {
			if err := netConn.Close(); err != nil {
				s.Logger().Debug("error when closing netconn", "err", err, "peer", r.RemoteAddr)
			}
		}()

		if _, err := fmt.Fprintf(brw, "HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: %s\r\n"+
			"Connection: Upgrade\r\n\r\n",
			up); err != nil {
			s.Logger().Error("error when writing 101 response", "err", err)
			return
		}

		if err := brw.Flush(); err != nil {
			s.Logger().Error("error when flushing 101 response", "err", err)
			return
		}

		remoteIPPort, _ := netip.ParseAddrPort(netConn.RemoteAddr().String())

		// The request context cannot be used after hijacking, see https://github.com/golang/go/issues/32314.
		// The protocol server is responsible for the lifetime of the connection from here on.
		err = s.Accept(context.Background(), netConn, brw, remoteIPPort)

		s.Logger().Info("client exited", "reason", err, "peer", r.RemoteAddr)
	})
}

func setKeepAlive(l *slog.Logger, netConn net.Conn, peer string) {
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		l.Debug("could not get *net.TCPConn, to set keepalive", "peer", peer)
		return
	}

	if err := tcpConn.SetKeepAlive(true); err != nil {
		l.Warn("set keep alive failed", "error", err, "peer", peer)
	}

	if err := tcpConn.SetKeepAlivePeriod(tcpKeepAlivePeriod); err != nil {
		l.Warn("set keep alive period failed", "error", err, "peer", peer)
	}
}
