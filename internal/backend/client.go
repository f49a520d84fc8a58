// Package backend encodes and decodes the management server API used by the agent.
package backend

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ihiteshgupta/update-agent/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned when a successful response cannot be decoded.
var ErrMalformed = errors.New("malformed response")

const (
	authPath = "/api/devices/v1/authentication/auth_requests"
	nextPath = "/api/devices/v1/deployments/device/deployments/next"
)

// Update describes a deployment offered to the device.
type Update struct {
	ID           string
	ArtifactName string
	URI          string
	// Checksum is the hex SHA-256 of the artifact, empty if not provided.
	Checksum string
}

// Config holds what the codec needs to address the server.
type Config struct {
	ServerURL   string
	TenantToken string
	DeviceType  string
	DownloadDir string
}

// Client builds requests for and parses responses from the management server.
type Client struct {
	cfg      Config
	identity *Identity
}

// NewClient creates a backend codec.
func NewClient(cfg Config, identity *Identity) *Client {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{cfg: cfg, identity: identity}
}

type authRequest struct {
	IDData      string `json:"id_data"`
	PubKey      string `json:"pubkey"`
	TenantToken string `json:"tenant_token,omitempty"`
}

// AuthRequest builds the signed authorization request.
func (c *Client) AuthRequest() (*transport.Request, error) {
	idData, err := json.Marshal(c.identity.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	pub, err := c.identity.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(authRequest{
		IDData:      string(idData),
		PubKey:      pub,
		TenantToken: c.cfg.TenantToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode auth request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-MEN-Signature", base64.StdEncoding.EncodeToString(c.identity.Sign(body)))

	return &transport.Request{
		Kind:   transport.KindAuth,
		Method: http.MethodPost,
		URL:    c.cfg.ServerURL + authPath,
		Header: header,
		Body:   body,
	}, nil
}

// ParseAuth extracts the session token from a successful auth response.
func (c *Client) ParseAuth(resp *transport.Response) (string, error) {
	token := strings.TrimSpace(string(resp.Body))
	if token == "" {
		return "", fmt.Errorf("%w: empty auth token", ErrMalformed)
	}
	return token, nil
}

// CheckRequest builds the "next deployment" poll for the installed artifact.
func (c *Client) CheckRequest(token, artifactName string) (*transport.Request, error) {
	if token == "" {
		return nil, errors.New("no auth token")
	}
	q := url.Values{}
	q.Set("artifact_name", artifactName)
	q.Set("device_type", c.cfg.DeviceType)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	return &transport.Request{
		Kind:   transport.KindCheck,
		Method: http.MethodGet,
		URL:    c.cfg.ServerURL + nextPath + "?" + q.Encode(),
		Header: header,
	}, nil
}

type deploymentResponse struct {
	ID       string `json:"id"`
	Artifact struct {
		ArtifactName string `json:"artifact_name"`
		Checksum     string `json:"checksum"`
		Source       struct {
			URI string `json:"uri"`
		} `json:"source"`
	} `json:"artifact"`
}

// ParseUpdate decodes a next-deployment response. A nil update with a nil
// error means nothing is pending for the device.
func (c *Client) ParseUpdate(resp *transport.Response) (*Update, error) {
	if resp.Status == http.StatusNoContent {
		return nil, nil
	}
	var d deploymentResponse
	if err := json.Unmarshal(resp.Body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if d.ID == "" || d.Artifact.ArtifactName == "" || d.Artifact.Source.URI == "" {
		return nil, fmt.Errorf("%w: incomplete deployment", ErrMalformed)
	}
	return &Update{
		ID:           d.ID,
		ArtifactName: d.Artifact.ArtifactName,
		URI:          d.Artifact.Source.URI,
		Checksum:     d.Artifact.Checksum,
	}, nil
}

// DownloadRequest builds the artifact download for u.
func (c *Client) DownloadRequest(u *Update) (*transport.Request, error) {
	if u == nil || u.URI == "" {
		return nil, errors.New("no artifact to download")
	}
	return &transport.Request{
		Kind:   transport.KindDownload,
		Method: http.MethodGet,
		URL:    u.URI,
		Dest:   filepath.Join(c.cfg.DownloadDir, u.ID+".artifact"),
	}, nil
}
