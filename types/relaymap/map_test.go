package relaymap

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMap = `{
	"Regions": {
		"20": {
			"RegionID": 20,
			"RegionCode": "fra",
			"Nodes": [
				{"Name": "fra1", "URL": "https://fra1.example.com"}
			]
		},
		"3": {
			"RegionID": 3,
			"RegionCode": "ams",
			"Nodes": [
				{"Name": "ams1", "URL": "https://ams1.example.com:8443/ignored", "STUNPort": 3479, "IPs": ["192.0.2.1"]},
				{"Name": "ams2", "URL": "http://ams2.example.com", "CertCN": "ams.example.com", "STUNPort": null}
			]
		}
	}
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(testMap))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 20}, m.RegionIDs())

	ams := m.Regions[3]
	require.Len(t, ams.Nodes, 2)

	ams1 := ams.Nodes[0]
	assert.Equal(t, "https://ams1.example.com:8443/ignored", ams1.URL.String())
	assert.True(t, ams1.STUNPort.Valid)
	assert.Equal(t, uint16(3479), ams1.STUNPort.Val)
	assert.True(t, ams1.IPs.Valid)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, ams1.IPs.Val)
	assert.False(t, ams1.CertCN.Valid)

	ams2 := ams.Nodes[1]
	assert.False(t, ams2.STUNPort.Valid)
	assert.True(t, ams2.CertCN.Valid)
	assert.Equal(t, "ams.example.com", ams2.CertCN.Val)
}

func TestNodesOrder(t *testing.T) {
	m, err := Parse([]byte(testMap))
	require.NoError(t, err)

	var names []string
	for _, n := range m.Nodes() {
		names = append(names, n.Name)
	}

	assert.Equal(t, []string{"ams1", "ams2", "fra1"}, names)
}

func TestParseInvalid(t *testing.T) {
	cases := map[string]string{
		"no regions":      `{"Regions": {}}`,
		"mismatched id":   `{"Regions": {"1": {"RegionID": 2}}}`,
		"missing url":     `{"Regions": {"1": {"RegionID": 1, "Nodes": [{"Name": "a"}]}}}`,
		"relative url":    `{"Regions": {"1": {"RegionID": 1, "Nodes": [{"Name": "a", "URL": "/relay"}]}}}`,
		"null region":     `{"Regions": {"1": null}}`,
		"not json":        `relay`,
		"bad url escapes": `{"Regions": {"1": {"RegionID": 1, "Nodes": [{"Name": "a", "URL": "http://a/%zz"}]}}}`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.json")
	require.NoError(t, os.WriteFile(path, []byte(testMap), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Regions, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
