// Package server exposes a Session over HTTP: JSON control endpoints plus a server-sent event
// stream of turn events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/floegence/flowerdesk/internal/ai"
	"github.com/floegence/flowerdesk/internal/assetstore"
	"github.com/floegence/flowerdesk/internal/auditlog"
	"github.com/floegence/flowerdesk/internal/monitor"
)

const (
	maxBodyBytes        = 1 << 20
	shutdownGracePeriod = 10 * time.Second
	readHeaderTimeout   = 10 * time.Second
	idleTimeout         = 120 * time.Second
	heartbeatInterval   = 15 * time.Second
	defaultAssetLimit   = 50
)

// Controller is the part of ai.Session the transport drives.
type Controller interface {
	StartTurn(text string) (string, error)
	Stop() bool
	Reset() error
	ResolveToolCall(toolCallID string, payload any) (bool, error)
	PendingConfirmations() []ai.PendingConfirmation
	History() []ai.Message
	ActiveTurn() (ai.TurnInfo, bool)
}

// Assets is the read side of the asset store.
type Assets interface {
	Get(ctx context.Context, id string) (assetstore.Asset, error)
	List(ctx context.Context, kind string, limit int) ([]assetstore.Asset, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// AuditTrail lists recorded audit entries, newest first.
type AuditTrail interface {
	List(limit int) ([]auditlog.Entry, error)
}

type Options struct {
	Listen  string
	Version string
	Session Controller
	Hub     *Hub
	Assets  Assets
	Audit   AuditTrail
	Monitor *monitor.Service
	Logger  *slog.Logger
}

type Server struct {
	app     *echo.Echo
	address string
	version string
	session Controller
	hub     *Hub
	assets  Assets
	audit   AuditTrail
	monitor *monitor.Service
	log     *slog.Logger
}

// New constructs an HTTP server wired with routing and middleware.
func New(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("session must not be nil")
	}
	if opts.Hub == nil {
		return nil, errors.New("event hub must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	s := &Server{
		app:     e,
		address: strings.TrimSpace(opts.Listen),
		version: strings.TrimSpace(opts.Version),
		session: opts.Session,
		hub:     opts.Hub,
		assets:  opts.Assets,
		audit:   opts.Audit,
		monitor: opts.Monitor,
		log:     log,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.app }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Event streams never finish on their own.
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.POST("/turns", s.handleStartTurn)
	v1.GET("/turns/active", s.handleActiveTurn)
	v1.POST("/turns/stop", s.handleStopTurn)
	v1.POST("/reset", s.handleReset)
	v1.GET("/history", s.handleHistory)
	v1.GET("/tool-calls", s.handleListToolCalls)
	v1.POST("/tool-calls/:id/resolve", s.handleResolveToolCall)
	v1.GET("/events", s.handleEvents)
	v1.GET("/assets", s.handleListAssets)
	v1.GET("/assets/:id", s.handleGetAsset)
	v1.DELETE("/assets/:id", s.handleDeleteAsset)
	v1.GET("/audit", s.handleAudit)
}

type healthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version,omitempty"`
	ActiveTurn  *ai.TurnInfo      `json:"active_turn,omitempty"`
	Pending     int               `json:"pending_confirmations"`
	Subscribers int               `json:"event_subscribers"`
	System      *monitor.Snapshot `json:"system,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:      "ok",
		Version:     s.version,
		Pending:     len(s.session.PendingConfirmations()),
		Subscribers: s.hub.Subscribers(),
	}
	if info, ok := s.session.ActiveTurn(); ok {
		resp.ActiveTurn = &info
	}
	if s.monitor != nil {
		snap := s.monitor.Snapshot(c.Request().Context())
		resp.System = &snap
	}
	return c.JSON(http.StatusOK, resp)
}

type startTurnRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStartTurn(c echo.Context) error {
	var req startTurnRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return requestError{Status: http.StatusBadRequest, Message: "text is required", Type: "invalid_request_error"}
	}
	turnID, err := s.session.StartTurn(req.Text)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"turn_id": turnID})
}

func (s *Server) handleActiveTurn(c echo.Context) error {
	info, ok := s.session.ActiveTurn()
	if !ok {
		return toHTTPError(ai.ErrNoActiveTurn)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleStopTurn(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"stopped": s.session.Stop()})
}

func (s *Server) handleReset(c echo.Context) error {
	if err := s.session.Reset(); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	msgs := s.session.History()
	if msgs == nil {
		msgs = []ai.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListToolCalls(c echo.Context) error {
	items := s.session.PendingConfirmations()
	if items == nil {
		items = []ai.PendingConfirmation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"pending": items})
}

// resolveRequest carries the user's reviewed arguments. A missing or null "arguments"
// cancels the tool call.
type resolveRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleResolveToolCall(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	var req resolveRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	var payload any
	if len(req.Arguments) > 0 {
		payload = req.Arguments
	}
	ok, err := s.session.ResolveToolCall(id, payload)
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	if !ok {
		return requestError{Status: http.StatusNotFound, Message: "no pending confirmation for tool call " + id, Type: "not_found_error"}
	}
	return c.JSON(http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleEvents(c echo.Context) error {
	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(c.Response(), string(ev.Type), ev); err != nil {
				s.log.Debug("event stream write failed", "error", err)
				return nil
			}
			c.Response().Flush()
		}
	}
}

func queryLimit(c echo.Context, fallback int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, requestError{Status: http.StatusBadRequest, Message: "limit must be a positive integer", Type: "invalid_request_error"}
	}
	return n, nil
}

func (s *Server) handleAudit(c echo.Context) error {
	limit, err := queryLimit(c, 0)
	if err != nil {
		return err
	}
	var entries []auditlog.Entry
	if s.audit != nil {
		if entries, err = s.audit.List(limit); err != nil {
			return err
		}
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListAssets(c echo.Context) error {
	if s.assets == nil {
		return c.JSON(http.StatusOK, map[string]any{"assets": []assetstore.Asset{}})
	}
	limit, err := queryLimit(c, defaultAssetLimit)
	if err != nil {
		return err
	}
	items, err := s.assets.List(c.Request().Context(), strings.TrimSpace(c.QueryParam("kind")), limit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []assetstore.Asset{}
	}
	return c.JSON(http.StatusOK, map[string]any{"assets": items})
}

func (s *Server) handleGetAsset(c echo.Context) error {
	if s.assets == nil {
		return toHTTPError(assetstore.ErrNotFound)
	}
	a, err := s.assets.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, a.MimeType, a.Data)
}

func (s *Server) handleDeleteAsset(c echo.Context) error {
	if s.assets == nil {
		return toHTTPError(assetstore.ErrNotFound)
	}
	ok, err := s.assets.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return toHTTPError(assetstore.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

func toHTTPError(err error) error {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.Is(err, ai.ErrTurnInProgress):
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "conflict_error"}
	case errors.Is(err, ai.ErrNoActiveTurn), errors.Is(err, assetstore.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, ai.ErrSessionClosed):
		return requestError{Status: http.StatusServiceUnavailable, Message: err.Error(), Type: "unavailable_error"}
	}
	return err
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
