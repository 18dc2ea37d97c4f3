// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest represents one inbound call to be forwarded upstream.
type RelayRequest struct {
	Ctx       context.Context
	Route     string // inbound route, used for logging and metric labels
	Suffix    string // appended to the upstream base URL
	RequestID string
	Body      []byte
}

// RelayResponse is a fully buffered upstream response.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StreamResponse is an upstream response whose body is streamed back.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
