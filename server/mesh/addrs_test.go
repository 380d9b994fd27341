package mesh

import (
	"net/url"
	"testing"

	"github.com/edup2p/relaymesh/types/relaymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestResolveRelayMap(t *testing.T) {
	m := &relaymap.Map{
		Regions: map[int]*relaymap.Region{
			7: {
				RegionID: 7,
				Nodes: []*relaymap.Node{
					{Name: "b1", URL: mustURL(t, "https://b1.example.com")},
				},
			},
			1: {
				RegionID: 1,
				Nodes: []*relaymap.Node{
					{Name: "a1", URL: mustURL(t, "https://a1.example.com:8443/some/path")},
					{Name: "a2", URL: mustURL(t, "http://192.0.2.5:8080/")},
				},
			},
		},
	}

	got := AddrsRelayMap(m).Resolve()

	var strs []string
	for _, u := range got {
		strs = append(strs, u.String())
	}

	assert.Equal(t, []string{
		"https://a1.example.com:8443/relay",
		"http://192.0.2.5:8080/relay",
		"https://b1.example.com/relay",
	}, strs)

	for _, u := range got {
		assert.Equal(t, "/relay", u.Path)
	}

	// Node URLs are left alone.
	assert.Equal(t, "/some/path", m.Regions[1].Nodes[0].URL.Path)
}

func TestResolveListPassthrough(t *testing.T) {
	a := mustURL(t, "https://relay-a.example.com/custom")
	b := mustURL(t, "http://relay-b.example.com:3340")

	got := AddrsList(a, b, a).Resolve()

	require.Len(t, got, 3)
	assert.Same(t, a, got[0])
	assert.Same(t, b, got[1])
	assert.Same(t, a, got[2])
	assert.Equal(t, "/custom", got[0].Path)
	assert.Equal(t, "", got[1].Path)
}

func TestResolveEmpty(t *testing.T) {
	assert.Empty(t, AddrsList().Resolve())
	assert.Empty(t, AddrsRelayMap(&relaymap.Map{}).Resolve())
	assert.Empty(t, AddrsRelayMap(&relaymap.Map{
		Regions: map[int]*relaymap.Region{1: {RegionID: 1}},
	}).Resolve())
}

func TestResolveRelayMapNodeWithoutURL(t *testing.T) {
	m := &relaymap.Map{
		Regions: map[int]*relaymap.Region{
			1: {
				RegionID: 1,
				Nodes: []*relaymap.Node{
					{Name: "a1", URL: mustURL(t, "https://a1.example.com")},
					{Name: "broken"},
				},
			},
		},
	}

	got := AddrsRelayMap(m).Resolve()

	require.Len(t, got, 2)
	assert.Equal(t, "https://a1.example.com/relay", got[0].String())
	assert.Equal(t, "/relay", got[1].String())
	assert.False(t, got[1].IsAbs())
}

func TestResolveListIsolated(t *testing.T) {
	a := mustURL(t, "https://relay-a.example.com/relay")
	addrs := AddrsList(a)

	got := addrs.Resolve()
	got[0] = mustURL(t, "http://elsewhere.example.com/relay")

	again := addrs.Resolve()
	require.Len(t, again, 1)
	assert.Same(t, a, again[0])
}
