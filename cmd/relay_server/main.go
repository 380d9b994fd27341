package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edup2p/relaymesh/server/mesh"
	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/edup2p/relaymesh/types/relay/relayhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const meshKeyEnv = "RELAY_MESH_KEY"

var (
	dev        = flag.Bool("dev", false, "run in localhost development mode (overrides -a)")
	addr       = flag.String("a", ":443", "server HTTP listen address, in form \":port\", \"ip:port\", or for IPv6 \"[ip]:port\". If the IP is omitted, it defaults to all interfaces.")
	configPath = flag.String("c", "", "config file path")
	meshKeyStr = flag.String("mesh-key", "", "mesh key shared by all relay servers of the mesh, overrides the config file and $"+meshKeyEnv)
	logLevel   = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
)

var programLevel = new(slog.LevelVar) // Info by default

func main() {
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})))

	level, err := parseLevel(*logLevel)
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
	programLevel.Set(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		*addr = "127.0.0.1:3340"
		slog.Info("running in dev mode")
	}

	cfg := loadConfig()

	meshKey, err := resolveMeshKey(*meshKeyStr, os.Getenv(meshKeyEnv), cfg.MeshKey)
	if err != nil {
		log.Fatalf("relay: %v", err)
	}

	slog.Info("relay: using public key", "key", cfg.PrivateKey.Public().Debug(), "can-mesh", !meshKey.IsZero())

	server := relay.NewServer(cfg.PrivateKey, meshKey)

	var meshClients *mesh.Clients
	if !meshKey.IsZero() {
		addrs, err := cfg.meshAddrs()
		if err != nil {
			log.Fatalf("relay: mesh: %v", err)
		}

		meshClients = mesh.NewClients(meshKey, cfg.PrivateKey, addrs, server)
		meshClients.Mesh()

		slog.Info("relay: meshing", "peers", meshClients.Len())
	} else if len(cfg.MeshWith) > 0 || cfg.RelayMapPath != "" {
		slog.Warn("relay: mesh peers configured without a mesh key, not meshing")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		server.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := newMux(server, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpsrv := &http.Server{
		Addr:    *addr,
		Handler: mux,

		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),

		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("relay: http shutdown", "err", err)
		}
	}()

	slog.Info("relay: serving", "addr", *addr)
	err = httpsrv.ListenAndServe()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("relay: error %s", err)
	}

	// Mesh connections go first, so no more routes get installed while clients are disconnected.
	if meshClients != nil {
		meshClients.Shutdown()
	}

	server.Close()

	slog.Info("relay: stopped")
}

func newMux(server *relay.Server, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle(relayhttp.RelayPath, relayhttp.ServerHandler(server))
	mux.Handle("/metrics", metrics)

	mux.Handle("/", http.HandlerFunc(landingPage))
	mux.Handle("/robots.txt", http.HandlerFunc(robotsTxt))
	mux.Handle("/generate_204", http.HandlerFunc(serverCaptivePortalBuster))

	return mux
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace":
		return types.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// resolveMeshKey picks the mesh key from the flag, then the environment, then the config file.
// A zero key means the server does not mesh.
func resolveMeshKey(flagVal, envVal string, fromConfig *key.MeshKey) (key.MeshKey, error) {
	switch {
	case flagVal != "":
		return key.ParseMeshKey(flagVal)
	case envVal != "":
		return key.ParseMeshKey(envVal)
	case fromConfig != nil:
		return *fromConfig, nil
	default:
		return key.MeshKey{}, nil
	}
}
