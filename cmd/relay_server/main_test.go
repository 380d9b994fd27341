package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edup2p/relaymesh/types/key"
	"github.com/edup2p/relaymesh/types/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptivePortalBuster(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/generate_204", nil)
	req.Header.Set(noContentChallengeHeader, "abc-123")
	rec := httptest.NewRecorder()

	serverCaptivePortalBuster(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "response abc-123", rec.Header().Get(noContentResponseHeader))

	req.Header.Set(noContentChallengeHeader, "bad challenge!")
	rec = httptest.NewRecorder()
	serverCaptivePortalBuster(rec, req)
	assert.Empty(t, rec.Header().Get(noContentResponseHeader))
}

func TestMux(t *testing.T) {
	s := relay.NewServer(key.NewNode(), key.MeshKey{})
	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(s.Metrics())

	hs := httptest.NewServer(newMux(s, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	defer hs.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(hs.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()

		var sb strings.Builder
		_, _ = io.Copy(&sb, resp.Body)
		return resp, sb.String()
	}

	resp, body := get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "relay server")

	resp, _ = get("/nothing-here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = get("/robots.txt")
	assert.Contains(t, body, "Disallow: /")

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "relay_clients")

	resp, _ = get("/relay")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestResolveMeshKey(t *testing.T) {
	a, b, c := key.NewMesh(), key.NewMesh(), key.NewMesh()

	aText, err := a.MarshalText()
	require.NoError(t, err)
	bText, err := b.MarshalText()
	require.NoError(t, err)

	got, err := resolveMeshKey(string(aText), string(bText), &c)
	require.NoError(t, err)
	assert.True(t, got.Equal(a))

	got, err = resolveMeshKey("", string(bText), &c)
	require.NoError(t, err)
	assert.True(t, got.Equal(b))

	got, err = resolveMeshKey("", "", &c)
	require.NoError(t, err)
	assert.True(t, got.Equal(c))

	got, err = resolveMeshKey("", "", nil)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = resolveMeshKey("not-a-key", "", nil)
	assert.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "relay.json")

	mk := key.NewMesh()
	cfg := Config{
		PrivateKey: key.NewNode(),
		MeshKey:    &mk,
		MeshWith:   []string{"https://relay-b.example.com/relay"},
	}
	require.NoError(t, writeConfig(path, cfg))

	got, err := readConfig(path)
	require.NoError(t, err)

	assert.True(t, got.PrivateKey.Equal(cfg.PrivateKey))
	require.NotNil(t, got.MeshKey)
	assert.True(t, got.MeshKey.Equal(mk))

	addrs, err := got.meshAddrs()
	require.NoError(t, err)
	urls := addrs.Resolve()
	require.Len(t, urls, 1)
	assert.Equal(t, "https://relay-b.example.com/relay", urls[0].String())
}

func TestConfigMeshAddrsInvalid(t *testing.T) {
	_, err := Config{MeshWith: []string{"relay-b.example.com"}}.meshAddrs()
	assert.Error(t, err)

	_, err = Config{MeshWith: []string{"https://a"}, RelayMapPath: "x.json"}.meshAddrs()
	assert.Error(t, err)

	_, err = Config{RelayMapPath: filepath.Join(t.TempDir(), "missing.json")}.meshAddrs()
	assert.Error(t, err)
}

func TestConfigRelayMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Regions": {"1": {"RegionID": 1, "Nodes": [{"Name": "a", "URL": "https://a.example.com"}]}}}`), 0o600))

	addrs, err := Config{RelayMapPath: path}.meshAddrs()
	require.NoError(t, err)

	urls := addrs.Resolve()
	require.Len(t, urls, 1)
	assert.Equal(t, "https://a.example.com/relay", urls[0].String())
}

func TestReadConfigWithoutKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := readConfig(path)
	assert.Error(t, err)
}
