package backend

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/update-agent/internal/transport"
)

func newTestClient(t *testing.T) (*Client, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id := NewIdentity(map[string]string{"mac": "00:11:22:33:44:55"}, priv)
	c := NewClient(Config{
		ServerURL:   "https://updates.example.com/",
		TenantToken: "tenant",
		DeviceType:  "rpi4",
		DownloadDir: "/var/lib/agent/downloads",
	}, id)
	return c, pub
}

func TestClient_AuthRequest(t *testing.T) {
	c, pub := newTestClient(t)

	req, err := c.AuthRequest()
	require.NoError(t, err)
	assert.Equal(t, transport.KindAuth, req.Kind)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://updates.example.com"+authPath, req.URL)

	var body authRequest
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.JSONEq(t, `{"mac":"00:11:22:33:44:55"}`, body.IDData)
	assert.Equal(t, "tenant", body.TenantToken)
	assert.Contains(t, body.PubKey, "BEGIN PUBLIC KEY")

	sig, err := base64.StdEncoding.DecodeString(req.Header.Get("X-MEN-Signature"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, req.Body, sig))
}

func TestClient_ParseAuth(t *testing.T) {
	c, _ := newTestClient(t)

	token, err := c.ParseAuth(&transport.Response{Status: 200, Body: []byte("jwt-token\n")})
	require.NoError(t, err)
	assert.Equal(t, "jwt-token", token)

	_, err = c.ParseAuth(&transport.Response{Status: 200})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClient_CheckRequest(t *testing.T) {
	c, _ := newTestClient(t)

	req, err := c.CheckRequest("tok", "release-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, nextPath, u.Path)
	assert.Equal(t, "release-1", u.Query().Get("artifact_name"))
	assert.Equal(t, "rpi4", u.Query().Get("device_type"))

	_, err = c.CheckRequest("", "release-1")
	assert.Error(t, err)
}

func TestClient_ParseUpdate(t *testing.T) {
	c, _ := newTestClient(t)

	tests := []struct {
		name    string
		resp    *transport.Response
		want    *Update
		wantErr bool
	}{
		{
			name: "no content",
			resp: &transport.Response{Status: http.StatusNoContent},
		},
		{
			name: "deployment",
			resp: &transport.Response{Status: 200, Body: []byte(`{"id":"d1","artifact":{"artifact_name":"release-2","checksum":"abc","source":{"uri":"https://cdn/a"}}}`)},
			want: &Update{ID: "d1", ArtifactName: "release-2", URI: "https://cdn/a", Checksum: "abc"},
		},
		{
			name:    "not json",
			resp:    &transport.Response{Status: 200, Body: []byte("<html>")},
			wantErr: true,
		},
		{
			name:    "missing uri",
			resp:    &transport.Response{Status: 200, Body: []byte(`{"id":"d1","artifact":{"artifact_name":"release-2"}}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ParseUpdate(tt.resp)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_DownloadRequest(t *testing.T) {
	c, _ := newTestClient(t)

	req, err := c.DownloadRequest(&Update{ID: "d1", URI: "https://cdn/a"})
	require.NoError(t, err)
	assert.Equal(t, transport.KindDownload, req.Kind)
	assert.Equal(t, "https://cdn/a", req.URL)
	assert.Equal(t, filepath.Join("/var/lib/agent/downloads", "d1.artifact"), req.Dest)

	_, err = c.DownloadRequest(nil)
	assert.Error(t, err)
}

func TestLoadIdentity_GeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device.pem")

	first, err := LoadIdentity(map[string]string{"serial": "1"}, path)
	require.NoError(t, err)
	second, err := LoadIdentity(map[string]string{"serial": "1"}, path)
	require.NoError(t, err)

	p1, err := first.PublicKeyPEM()
	require.NoError(t, err)
	p2, err := second.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}
