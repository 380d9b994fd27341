package mesh

import (
	"net/url"
	"slices"

	"github.com/edup2p/relaymesh/types/relay/relayhttp"
	"github.com/edup2p/relaymesh/types/relaymap"
)

// Addrs is where the mesh peers of a relay server can be found: either a fixed list of
// connect URLs, or every node of a relay map.
type Addrs struct {
	urls     []*url.URL
	relayMap *relaymap.Map
}

// AddrsList uses urls as-is, in order, as mesh peer endpoints.
func AddrsList(urls ...*url.URL) Addrs {
	return Addrs{urls: urls}
}

// AddrsRelayMap meshes with every node of m.
func AddrsRelayMap(m *relaymap.Map) Addrs {
	return Addrs{relayMap: m}
}

// Resolve returns the endpoints to dial, one per configured peer.
//
// Relay map nodes get their path replaced by the relay upgrade path, walking regions in ascending
// ID and nodes in region order. Lists are returned unchanged, duplicates included.
func (a Addrs) Resolve() []*url.URL {
	if a.relayMap == nil {
		return slices.Clone(a.urls)
	}

	var urls []*url.URL
	for _, n := range a.relayMap.Nodes() {
		var u url.URL
		if n != nil && n.URL != nil {
			u = *n.URL
		}
		// A node without URL still gets an endpoint, it fails when dialed.
		u.Path = relayhttp.RelayPath
		u.RawPath = ""
		urls = append(urls, &u)
	}

	return urls
}
