package main

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/relaymesh/types"
	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/edup2p/relaymesh/types/relay/relayhttp"
	"golang.org/x/exp/maps"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	privKey *key.NodePrivate

	mu     sync.Mutex
	client *relay.Client
	peers  = make(map[key.NodePublic]struct{})
)

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelInfo)

	shell := ishell.New()

	shell.SetHomeHistoryPath(".relay_shell_history")

	shell.Println("Relay Interactive Shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(keyCmd())
	shell.AddCmd(connectCmd(shell))
	shell.AddCmd(sendCmd())
	shell.AddCmd(watchCmd())
	shell.AddCmd(peersCmd())
	shell.AddCmd(disconnectCmd())

	shell.Run()

	if c := currentClient(); c != nil {
		c.Close()
	}
}

func currentClient() *relay.Client {
	mu.Lock()
	defer mu.Unlock()
	return client
}

// Key commands
func keyCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "key",
		Help: "private key setting, generating, and reading",
		Func: func(c *ishell.Context) {
			if privKey == nil {
				c.Println("key: nil")
			} else {
				c.Println("key:", privKey.Marshal())
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "gen",
		Help: "generate a new key",
		Func: func(c *ishell.Context) {
			k := key.NewNode()
			privKey = &k

			c.Println("key generated:", privKey.Marshal())
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "set",
		Help: "set a key",
		Func: func(c *ishell.Context) {
			var line string
			if len(c.Args) == 0 {
				c.Println("enter the key, with 'privkey:' prefix")
				line = c.ReadLine()
			} else {
				line = c.Args[0]
			}

			p, err := key.UnmarshalPrivate(line)
			if err != nil {
				c.Err(err)
				return
			}
			privKey = p
		},
	})

	c.AddCmd(&ishell.Cmd{Name: "pub", Help: "show the pubkey", Func: func(c *ishell.Context) {
		if privKey != nil {
			c.Println("pub:", privKey.Public().Marshal())
		} else {
			c.Err(errors.New("private key not set"))
		}
	}})

	return c
}

func connectCmd(shell *ishell.Shell) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "connect",
		Help: "connect to a relay: connect <url> [meshkey]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("usage: connect <url> [meshkey]"))
				return
			}

			if privKey == nil {
				c.Err(errors.New("private key not set, use 'key gen' or 'key set'"))
				return
			}

			if currentClient() != nil {
				c.Err(errors.New("already connected, use 'disconnect' first"))
				return
			}

			u, err := url.Parse(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			var meshKey key.MeshKey
			if len(c.Args) > 1 {
				if meshKey, err = key.ParseMeshKey(c.Args[1]); err != nil {
					c.Err(err)
					return
				}
			}

			pk := *privKey
			rc, err := relayhttp.DialURL(context.Background(), u, func() *key.NodePrivate { return &pk }, meshKey)
			if err != nil {
				c.Err(err)
				return
			}

			mu.Lock()
			client = rc
			clear(peers)
			mu.Unlock()

			c.Println("connected to", rc.RelayKey().Debug(), "mesh:", rc.CanMesh())

			go printIncoming(shell, rc)
		},
	}
}

func printIncoming(shell *ishell.Shell, rc *relay.Client) {
	for {
		select {
		case <-rc.Done():
			shell.Println("disconnected:", rc.Err())

			mu.Lock()
			if client == rc {
				client = nil
			}
			mu.Unlock()
			return
		case pkt := <-rc.Recv():
			shell.Printf("recv from %s: %q\n", pkt.Src.Debug(), pkt.Data)
		case upd := <-rc.PeerUpdates():
			mu.Lock()
			if upd.Present {
				peers[upd.Peer] = struct{}{}
			} else {
				delete(peers, upd.Peer)
			}
			mu.Unlock()

			shell.Println("peer", upd.Peer.Debug(), "present:", upd.Present)
		}
	}
}

func sendCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "send",
		Help: "send text to a peer: send <pubkey> <text...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: send <pubkey> <text...>"))
				return
			}

			rc := currentClient()
			if rc == nil {
				c.Err(errors.New("not connected"))
				return
			}

			dst, err := key.UnmarshalPublic(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			select {
			case rc.Send() <- relay.SendPacket{Dst: *dst, Data: []byte(strings.Join(c.Args[1:], " "))}:
			case <-rc.Done():
				c.Err(rc.Err())
			}
		},
	}
}

func watchCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "watch",
		Help: "watch the relay's connections, needs a mesh key",
		Func: func(c *ishell.Context) {
			rc := currentClient()
			if rc == nil {
				c.Err(errors.New("not connected"))
				return
			}

			if err := rc.WatchConns(); err != nil {
				c.Err(err)
			}
		},
	}
}

func peersCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "peers",
		Help: "list peers seen with 'watch'",
		Func: func(c *ishell.Context) {
			mu.Lock()
			keys := maps.Keys(peers)
			mu.Unlock()

			strs := types.Map(keys, func(k key.NodePublic) string { return k.Marshal() })
			slices.Sort(strs)

			for _, s := range strs {
				c.Println(s)
			}
		},
	}
}

func disconnectCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "disconnect",
		Help: "disconnect from the relay",
		Func: func(c *ishell.Context) {
			mu.Lock()
			rc := client
			client = nil
			mu.Unlock()

			if rc == nil {
				c.Err(errors.New("not connected"))
				return
			}

			rc.Close()
		},
	}
}
