// Package service implements the relay's forwarding logic.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"chat-relay/internal/client"
	"chat-relay/internal/config"
	"chat-relay/internal/model"
)

// ErrUpstreamCallFailed is the single failure kind of the relay. It wraps
// every error raised while forwarding: an unreadable inbound body, a
// transport failure, or an upstream body that cannot be used.
var ErrUpstreamCallFailed = errors.New("upstream call failed")

// forwardableResponseHeaders are the only upstream headers passed to a streamed response.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"X-Request-Id":     true,
}

const (
	userAgent = "chat-relay/1.0"

	// maxLoggedBody bounds the payload excerpt written to debug logs.
	maxLoggedBody = 512
)

// RelayService forwards inbound JSON requests to the upstream backend.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL string
}

// NewRelayService creates a RelayService targeting cfg.Relay.BaseURL.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Relay.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay base_url %q must be absolute", cfg.Relay.BaseURL)
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		baseURL: cfg.Relay.BaseURL,
	}, nil
}

// Forward posts the request body upstream and returns the buffered response.
// Any upstream status is a success here; only local failures are errors, and
// they always wrap ErrUpstreamCallFailed.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	resp, err := s.post(rr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read upstream body: %w", ErrUpstreamCallFailed, err)
	}

	s.logger.Debug("upstream response",
		"route", rr.Route,
		"status", resp.StatusCode,
		"body", excerpt(body),
		"request_id", rr.RequestID,
	)

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// ForwardJSON is Forward for routes that hand the upstream body back as JSON.
// A body that is not valid JSON is reported as ErrUpstreamCallFailed.
func (s *RelayService) ForwardJSON(rr *model.RelayRequest) (*model.RelayResponse, error) {
	resp, err := s.Forward(rr)
	if err != nil {
		return nil, err
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("%w: upstream returned non-JSON body (status %d)", ErrUpstreamCallFailed, resp.StatusCode)
	}
	return resp, nil
}

// Stream posts the request body upstream and returns the response for
// streaming. The caller is responsible for closing the response body.
func (s *RelayService) Stream(rr *model.RelayRequest) (*model.StreamResponse, error) {
	resp, err := s.post(rr)
	if err != nil {
		return nil, err
	}
	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *RelayService) post(rr *model.RelayRequest) (*model.StreamResponse, error) {
	if len(rr.Body) > 0 && !json.Valid(rr.Body) {
		return nil, fmt.Errorf("%w: request body is not valid JSON", ErrUpstreamCallFailed)
	}

	s.logger.Debug("forwarding request",
		"route", rr.Route,
		"body", excerpt(rr.Body),
		"request_id", rr.RequestID,
	)

	resp, err := s.client.Post(rr.Ctx, rr.Route, s.upstreamURL(rr.Suffix), s.requestHeader(rr), bytes.NewReader(rr.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamCallFailed, err)
	}
	return resp, nil
}

func (s *RelayService) upstreamURL(suffix string) string {
	return s.baseURL + suffix
}

func (s *RelayService) requestHeader(rr *model.RelayRequest) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("User-Agent", userAgent)
	if rr.RequestID != "" {
		h.Set("X-Request-Id", rr.RequestID)
	}
	return h
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// ExtractAnswer returns the "answer" field of a JSON object body. A body that
// is not a JSON object is returned as-is. A missing field yields "", and a
// non-string value is rendered as its JSON text.
func ExtractAnswer(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return string(body)
	}

	raw, ok := obj["answer"]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// excerpt truncates b for logging.
func excerpt(b []byte) string {
	if len(b) <= maxLoggedBody {
		return string(b)
	}
	return string(b[:maxLoggedBody]) + "...(truncated)"
}
