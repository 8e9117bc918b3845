// Package http provides the operational HTTP API for heald.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/store"
)

// Store is the persistence surface the API reads from.
type Store interface {
	GetError(ctx context.Context, id string) (*store.Error, error)
	ListErrors(ctx context.Context, f store.Filter) ([]*store.Error, error)
	CountErrors(ctx context.Context, f store.Filter) (int, error)
	AttemptsForError(ctx context.Context, errorID string) ([]*store.FixAttempt, error)
}

// Fixer exposes the orchestrator operations the API drives.
type Fixer interface {
	Running() bool
	CurrentFix() string
	RetryError(ctx context.Context, errorID string) (bool, error)
	IgnoreError(ctx context.Context, errorID, ignoredBy string) (bool, error)
}

// Monitor exposes the detector state the API reports.
type Monitor interface {
	Running() bool
}

// Server provides HTTP endpoints for heald.
type Server struct {
	echo    *echo.Echo
	store   Store
	fixer   Fixer
	monitor Monitor
	bus     *bus.Bus
	logger  *zap.Logger
	config  config.HTTPConfig
}

// NewServer creates the HTTP server.
func NewServer(st Store, fx Fixer, mon Monitor, b *bus.Bus, logger *zap.Logger, cfg config.HTTPConfig) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fx == nil {
		return nil, fmt.Errorf("fixer cannot be nil")
	}
	if mon == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		store:   st,
		fixer:   fx,
		monitor: mon,
		bus:     b,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/errors", s.handleListErrors)
	v1.GET("/errors/:id", s.handleGetError)
	v1.POST("/errors/:id/retry", s.handleRetryError)
	v1.POST("/errors/:id/ignore", s.handleIgnoreError)
	v1.GET("/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	MonitorRunning bool           `json:"monitor_running"`
	FixerRunning   bool           `json:"fixer_running"`
	CurrentFix     string         `json:"current_fix,omitempty"`
	ErrorCounts    map[string]int `json:"error_counts"`
}

// ErrorListResponse is the response body for GET /api/v1/errors.
type ErrorListResponse struct {
	Errors []*store.Error `json:"errors"`
	Total  int            `json:"total"`
}

// ErrorDetailResponse is the response body for GET /api/v1/errors/:id.
type ErrorDetailResponse struct {
	Error    *store.Error        `json:"error"`
	Attempts []*store.FixAttempt `json:"attempts"`
}

// TransitionResponse is the response body for retry/ignore.
type TransitionResponse struct {
	ErrorID string `json:"error_id"`
	Applied bool   `json:"applied"`
}

// IgnoreRequest is the request body for POST /api/v1/errors/:id/ignore.
type IgnoreRequest struct {
	IgnoredBy string `json:"ignored_by"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	counts := make(map[string]int)
	for _, status := range []store.Status{
		store.StatusDetected, store.StatusQueued, store.StatusFixing,
		store.StatusResolved, store.StatusFailed, store.StatusIgnored,
	} {
		n, err := s.store.CountErrors(ctx, store.Filter{Status: status})
		if err != nil {
			s.logger.Error("failed to count errors", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to count errors")
		}
		counts[string(status)] = n
	}

	return c.JSON(http.StatusOK, StatusResponse{
		MonitorRunning: s.monitor.Running(),
		FixerRunning:   s.fixer.Running(),
		CurrentFix:     s.fixer.CurrentFix(),
		ErrorCounts:    counts,
	})
}

func (s *Server) handleListErrors(c echo.Context) error {
	f := store.Filter{
		Status:   store.Status(c.QueryParam("status")),
		Severity: store.Severity(c.QueryParam("severity")),
		Category: store.Category(c.QueryParam("category")),
		Module:   c.QueryParam("module"),
		Limit:    100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = limit
	}

	ctx := c.Request().Context()
	errs, err := s.store.ListErrors(ctx, f)
	if err != nil {
		s.logger.Error("failed to list errors", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list errors")
	}
	total, err := s.store.CountErrors(ctx, store.Filter{
		Status:   f.Status,
		Severity: f.Severity,
		Category: f.Category,
		Module:   f.Module,
	})
	if err != nil {
		s.logger.Error("failed to count errors", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to count errors")
	}
	if errs == nil {
		errs = []*store.Error{}
	}

	return c.JSON(http.StatusOK, ErrorListResponse{Errors: errs, Total: total})
}

func (s *Server) handleGetError(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	e, err := s.store.GetError(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "error not found")
	}
	if err != nil {
		s.logger.Error("failed to get error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get error")
	}

	attempts, err := s.store.AttemptsForError(ctx, id)
	if err != nil {
		s.logger.Error("failed to list attempts", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list attempts")
	}
	if attempts == nil {
		attempts = []*store.FixAttempt{}
	}

	return c.JSON(http.StatusOK, ErrorDetailResponse{Error: e, Attempts: attempts})
}

func (s *Server) handleRetryError(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.fixer.RetryError(c.Request().Context(), id)
	if err != nil {
		s.logger.Error("retry failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retry failed")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "error cannot be retried in its current state")
	}
	return c.JSON(http.StatusOK, TransitionResponse{ErrorID: id, Applied: true})
}

func (s *Server) handleIgnoreError(c echo.Context) error {
	var req IgnoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IgnoredBy == "" {
		req.IgnoredBy = "api"
	}

	id := c.Param("id")
	ok, err := s.fixer.IgnoreError(c.Request().Context(), id, req.IgnoredBy)
	if err != nil {
		s.logger.Error("ignore failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ignore failed")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "error cannot be ignored in its current state")
	}
	return c.JSON(http.StatusOK, TransitionResponse{ErrorID: id, Applied: true})
}

func (s *Server) handleEvents(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	events := s.bus.History(bus.EventType(c.QueryParam("type")), limit)
	if events == nil {
		events = []bus.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
