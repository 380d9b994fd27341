// Package relaymap describes the relay servers of a deployment, grouped per region.
package relaymap

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"slices"

	"github.com/LukaGiorgadze/gonull"
	"golang.org/x/exp/maps"
)

// Map is the set of relay regions of a deployment, keyed by region ID.
type Map struct {
	Regions map[int]*Region
}

type Region struct {
	RegionID int

	// Short name, like "ams"
	RegionCode string

	// Nodes in order of preference
	Nodes []*Node
}

type Node struct {
	Name string

	// Base URL of the relay server, like "https://relay1.example.com".
	URL *url.URL

	// Optional STUN port override. (Default 3478)
	STUNPort gonull.Nullable[uint16]

	// Common Name on expected TLS certificate
	CertCN gonull.Nullable[string]

	// Forced IPs to try to connect to, bypasses DNS lookup of the URL host
	IPs gonull.Nullable[[]netip.Addr]
}

type jsonNode struct {
	Name     string
	URL      string
	STUNPort gonull.Nullable[uint16]
	CertCN   gonull.Nullable[string]
	IPs      gonull.Nullable[[]netip.Addr]
}

func (n *Node) MarshalJSON() ([]byte, error) {
	jn := jsonNode{
		Name:     n.Name,
		STUNPort: n.STUNPort,
		CertCN:   n.CertCN,
		IPs:      n.IPs,
	}
	if n.URL != nil {
		jn.URL = n.URL.String()
	}
	return json.Marshal(jn)
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var jn jsonNode
	if err := json.Unmarshal(b, &jn); err != nil {
		return err
	}

	*n = Node{
		Name:     jn.Name,
		STUNPort: jn.STUNPort,
		CertCN:   jn.CertCN,
		IPs:      jn.IPs,
	}

	if jn.URL == "" {
		return nil
	}

	u, err := url.Parse(jn.URL)
	if err != nil {
		return fmt.Errorf("node %q: %w", jn.Name, err)
	}
	n.URL = u

	return nil
}

var errNoRegions = errors.New("relay map has no regions")

// Load reads a JSON relay map from path.
func Load(path string) (*Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay map: %w", err)
	}

	m, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("relay map %s: %w", path, err)
	}

	return m, nil
}

// Parse decodes and validates a JSON relay map.
func Parse(b []byte) (*Map, error) {
	m := new(Map)
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks that every region is consistent with its key, and that every node has an absolute URL.
func (m *Map) Validate() error {
	if len(m.Regions) == 0 {
		return errNoRegions
	}

	for id, r := range m.Regions {
		if r == nil {
			return fmt.Errorf("region %d is null", id)
		}

		if r.RegionID != id {
			return fmt.Errorf("region %d has mismatched RegionID %d", id, r.RegionID)
		}

		for i, n := range r.Nodes {
			if n == nil {
				return fmt.Errorf("region %d: node %d is null", id, i)
			}

			if n.URL == nil || !n.URL.IsAbs() || n.URL.Host == "" {
				return fmt.Errorf("region %d: node %q needs an absolute URL", id, n.Name)
			}
		}
	}

	return nil
}

// RegionIDs returns the IDs of all regions, ascending.
func (m *Map) RegionIDs() []int {
	ids := maps.Keys(m.Regions)
	slices.Sort(ids)
	return ids
}

// Nodes returns every node of the map, region by region in ascending region ID, and in region order within a region.
func (m *Map) Nodes() []*Node {
	var nodes []*Node
	for _, id := range m.RegionIDs() {
		if r := m.Regions[id]; r != nil {
			nodes = append(nodes, r.Nodes...)
		}
	}
	return nodes
}
