// Package transport executes backend requests over HTTP for the update agent.
package transport

import (
	"net/http"
)

// Kind identifies what a request was issued for.
type Kind int

const (
	KindAuth Kind = iota
	KindCheck
	KindDownload
	KindInstall
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindCheck:
		return "check"
	case KindDownload:
		return "download"
	case KindInstall:
		return "install"
	default:
		return "unknown"
	}
}

// Request describes a single outbound call.
type Request struct {
	Kind   Kind
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Dest, when set, receives the response body instead of Response.Body.
	Dest string
}

// Response is the outcome of a Request as seen by the state machine.
type Response struct {
	// ID matches the pending request the driver issued.
	ID     uint64
	Kind   Kind
	Status int
	Body   []byte
	// Path is where a download was written.
	Path string
	// Err is set for transport-level failures (no status available).
	Err error
}

// OK reports whether the request completed with a 2xx status.
func (r *Response) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// Failed builds a response carrying a transport-level error.
func Failed(id uint64, kind Kind, err error) *Response {
	return &Response{ID: id, Kind: kind, Err: err}
}
