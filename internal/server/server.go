package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"ensemble-gateway/internal/config"
	"ensemble-gateway/internal/ensemble"
	"ensemble-gateway/internal/health"
	"ensemble-gateway/internal/metrics"
	"ensemble-gateway/internal/models"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	rateLimitExpiry     = 3 * time.Minute
)

// Dispatcher runs one ensemble session against a sink.
type Dispatcher interface {
	Run(ctx context.Context, req ensemble.Request, sink ensemble.Sink) error
}

type Server struct {
	cfg        config.Config
	dispatcher Dispatcher
	checker    *health.Checker
	collector  *metrics.Collector
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, dispatcher Dispatcher, checker *health.Checker, collector *metrics.Collector) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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
			slog.Info("request",
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
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		checker:    checker,
		collector:  collector,
		app:        e,
		address:    fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
// The write timeout stays unset: the generate endpoint holds its response
// open for the lifetime of the event stream.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/stats", s.handleStats)
	s.app.POST("/api/generate", s.handleGenerate, s.generateRateLimiter())
}

// generateRateLimiter bounds generate requests per remote IP.
func (s *Server) generateRateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(s.cfg.RateLimit.PerMinute) / 60.0),
			Burst:     s.cfg.RateLimit.Burst,
			ExpiresIn: rateLimitExpiry,
		}),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.checker == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	report := s.checker.Run(c.Request().Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.collector == nil {
		return c.JSON(http.StatusOK, metrics.Snapshot{})
	}
	return c.JSON(http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req models.GenerateRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	dispReq, err := s.buildDispatchRequest(req)
	if err != nil {
		return err
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	sink := newSSESink(writer, flusher)

	// The request context cancels on client disconnect; the dispatcher fans
	// that signal out to every open upstream connection.
	runErr := s.dispatcher.Run(c.Request().Context(), dispReq, sink)
	if s.collector != nil {
		s.collector.RecordSession(sink.sawError || runErr != nil)
	}
	if runErr != nil {
		slog.Info("event stream ended early", "session", dispReq.SessionID, "err", runErr)
	}
	return nil
}

// buildDispatchRequest validates the inbound contract and fills defaults
// from configuration.
func (s *Server) buildDispatchRequest(req models.GenerateRequest) (ensemble.Request, error) {
	if req.Prompt == "" {
		return ensemble.Request{}, requestError{
			Status:  http.StatusBadRequest,
			Message: "prompt must not be empty",
			Type:    "invalid_request_error",
		}
	}

	selected := req.Models
	if len(selected) == 0 {
		selected = s.cfg.Ensemble.Models
	}

	seen := make(map[string]struct{}, len(selected))
	for _, modelID := range selected {
		if modelID == "" {
			return ensemble.Request{}, requestError{
				Status:  http.StatusBadRequest,
				Message: "models must not contain empty ids",
				Type:    "invalid_request_error",
			}
		}
		if _, dup := seen[modelID]; dup {
			return ensemble.Request{}, requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("duplicate model id %q", modelID),
				Type:    "invalid_request_error",
			}
		}
		seen[modelID] = struct{}{}
	}

	refinement := req.RefinementModel
	if refinement == "" {
		refinement = s.cfg.Ensemble.RefinementModel
	}

	return ensemble.Request{
		SessionID:       uuid.NewString(),
		Prompt:          req.Prompt,
		Models:          selected,
		RefinementModel: refinement,
		Credential:      s.cfg.Upstream.APIKey,
	}, nil
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
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}
