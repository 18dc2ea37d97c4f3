package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
	"chat-relay/internal/service"
)

// ResponseMode selects how an upstream response is handed back.
type ResponseMode int

const (
	// AnswerText returns the upstream "answer" field as plain text with status 200.
	AnswerText ResponseMode = iota
	// JSONPassthrough returns the upstream JSON body and status verbatim.
	JSONPassthrough
	// Stream copies the upstream body to the client as it arrives.
	Stream
)

// ErrorShape is the fixed 500 body a route answers with when forwarding fails.
type ErrorShape int

const (
	// ErrorText is the error message as text/plain.
	ErrorText ErrorShape = iota
	// ErrorSuccessFalse is {"success": false}.
	ErrorSuccessFalse
	// ErrorAnswer is {"answer": "<message>"}.
	ErrorAnswer
)

// Route describes one relay endpoint.
type Route struct {
	Path    string // inbound path
	Suffix  string // appended to the upstream base URL
	Mode    ResponseMode
	OnError ErrorShape
}

// RoutesFor returns the route table for a relay mode.
func RoutesFor(mode string) []Route {
	if mode == config.ModeAnswer {
		return []Route{
			{Path: "/proxy", Suffix: "", Mode: AnswerText, OnError: ErrorText},
		}
	}
	return []Route{
		{Path: "/create_session", Suffix: "/create_session", Mode: JSONPassthrough, OnError: ErrorSuccessFalse},
		{Path: "/update_session", Suffix: "/update_session", Mode: JSONPassthrough, OnError: ErrorAnswer},
		{Path: "/delete_session", Suffix: "/delete_session", Mode: JSONPassthrough, OnError: ErrorSuccessFalse},
		{Path: "/read_all_sessions", Suffix: "/read_all_sessions", Mode: JSONPassthrough, OnError: ErrorSuccessFalse},
		{Path: "/read_session", Suffix: "/read_session", Mode: JSONPassthrough, OnError: ErrorSuccessFalse},
		{Path: "/update_session_name", Suffix: "/update_session_name", Mode: JSONPassthrough, OnError: ErrorSuccessFalse},
		{Path: "/get_answer_stream", Suffix: "/get_answer_stream", Mode: Stream, OnError: ErrorText},
	}
}

// RelayHandler forwards route requests to the upstream backend.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle returns the echo handler for rt.
func (h *RelayHandler) Handle(rt Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		body, err := io.ReadAll(req.Body)
		if err != nil {
			// Body limit violations keep their 413.
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return h.mapError(c, rt, fmt.Errorf("%w: read request body: %w", service.ErrUpstreamCallFailed, err))
		}

		rr := &model.RelayRequest{
			Ctx:       req.Context(),
			Route:     rt.Path,
			Suffix:    rt.Suffix,
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
			Body:      body,
		}

		switch rt.Mode {
		case AnswerText:
			return h.answer(c, rt, rr)
		case Stream:
			return h.stream(c, rt, rr)
		default:
			return h.passthrough(c, rt, rr)
		}
	}
}

func (h *RelayHandler) answer(c echo.Context, rt Route, rr *model.RelayRequest) error {
	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, rt, err)
	}

	// The upstream status is not propagated on this route.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Warn("upstream returned non-2xx status; replying 200",
			"route", rt.Path,
			"upstream_status", resp.StatusCode,
		)
	}

	return c.String(http.StatusOK, service.ExtractAnswer(resp.Body))
}

func (h *RelayHandler) passthrough(c echo.Context, rt Route, rr *model.RelayRequest) error {
	resp, err := h.service.ForwardJSON(rr)
	if err != nil {
		return h.mapError(c, rt, err)
	}
	return c.JSONBlob(resp.StatusCode, resp.Body)
}

func (h *RelayHandler) stream(c echo.Context, rt Route, rr *model.RelayRequest) error {
	resp, err := h.service.Stream(rr)
	if err != nil {
		return h.mapError(c, rt, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a mid-stream failure can only truncate the
	// response, so it is logged and not mapped.
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Response().Write(buf[:n]); werr != nil {
				h.logger.Error("writing streamed response", "err", werr, "route", rt.Path)
				return nil
			}
			c.Response().Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			h.logger.Error("streaming response body", "err", rerr, "route", rt.Path)
			return nil
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, rt Route, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"route", rt.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	switch rt.OnError {
	case ErrorSuccessFalse:
		return c.JSON(http.StatusInternalServerError, map[string]bool{"success": false})
	case ErrorAnswer:
		return c.JSON(http.StatusInternalServerError, map[string]string{"answer": err.Error()})
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
}
