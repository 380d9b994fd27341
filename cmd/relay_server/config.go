package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"github.com/edup2p/relaymesh/server/mesh"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relaymap"
)

type Config struct {
	PrivateKey key.NodePrivate

	// Shared by every relay server of the mesh, meshing is off when unset.
	MeshKey *key.MeshKey `json:",omitempty"`

	// Relay URLs to mesh with, used as-is.
	MeshWith []string `json:",omitempty"`

	// Relay map to mesh with every node of, instead of MeshWith.
	RelayMapPath string `json:",omitempty"`
}

func (c Config) meshAddrs() (mesh.Addrs, error) {
	if c.RelayMapPath != "" {
		if len(c.MeshWith) > 0 {
			return mesh.Addrs{}, errors.New("set either MeshWith or RelayMapPath, not both")
		}

		m, err := relaymap.Load(c.RelayMapPath)
		if err != nil {
			return mesh.Addrs{}, err
		}

		return mesh.AddrsRelayMap(m), nil
	}

	urls := make([]*url.URL, 0, len(c.MeshWith))
	for _, s := range c.MeshWith {
		u, err := url.Parse(s)
		if err != nil {
			return mesh.Addrs{}, fmt.Errorf("mesh peer %q: %w", s, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return mesh.Addrs{}, fmt.Errorf("mesh peer %q: not an absolute url", s)
		}
		urls = append(urls, u)
	}

	return mesh.AddrsList(urls...), nil
}

func loadConfig() Config {
	if *dev {
		return newConfig()
	}
	if *configPath == "" {
		if os.Getuid() == 0 {
			*configPath = "/var/lib/relaymesh/relay.json"
		} else {
			log.Fatalf("relay: -c <config path> not specified")
		}
		log.Printf("no config path specified; using %s", *configPath)
	}

	cfg, err := readConfig(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = newConfig()
		if err := writeConfig(*configPath, cfg); err != nil {
			log.Fatal(err)
		}
		return cfg
	case err != nil:
		log.Fatalf("relay: config: %v", err)
		panic("unreachable")
	default:
		return cfg
	}
}

func readConfig(path string) (Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	if cfg.PrivateKey.IsZero() {
		return cfg, errors.New("no PrivateKey")
	}

	return cfg, nil
}

func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func newConfig() Config {
	return Config{PrivateKey: key.NewNode()}
}
