package relayhttp

import (
	"net/http"

	"github.com/edup2p/relaymesh/types/dial"
	"github.com/edup2p/relaymesh/types/relay"
)

// ServerHandler serves relay protocol upgrades for s, mount it on RelayPath.
func ServerHandler(s *relay.Server) http.Handler {
	return dial.HTTPHandler(s, relay.UpgradeProtocol)
}
