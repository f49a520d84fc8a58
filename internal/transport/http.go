package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// maxBodySize bounds API response bodies; artifacts go through Dest.
const maxBodySize = 1 << 20

// HTTPTransport executes requests with a shared http.Client.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewHTTPTransport creates a transport whose API calls are bounded by timeout.
// Downloads are bounded only by the caller's context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{},
		timeout: timeout,
		log:     slog.Default().With("component", "transport"),
	}
}

// Do executes req. Transport failures are reported as an error; any HTTP
// status, including non-2xx, is returned as a Response.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Dest == "" && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", req.Kind, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	t.log.Debug("sending request", "kind", req.Kind, "method", req.Method, "url", req.URL)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", req.Kind, err)
	}
	defer httpResp.Body.Close()

	resp := &Response{Kind: req.Kind, Status: httpResp.StatusCode}

	if req.Dest != "" && resp.OK() {
		if err := writeFile(req.Dest, httpResp.Body); err != nil {
			return nil, fmt.Errorf("failed to store download: %w", err)
		}
		resp.Path = req.Dest
		return resp, nil
	}

	resp.Body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", req.Kind, err)
	}
	return resp, nil
}

// writeFile streams r into path through a temporary sibling so a partial
// download never appears under the final name.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
