// Package http provides the HTTP control surface for devhived.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/metrics"
	"github.com/fyrsmithlabs/devhive/internal/orchestrator"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Server exposes task commands and read models over HTTP.
type Server struct {
	echo    *echo.Echo
	orch    *orchestrator.Orchestrator
	store   *ledger.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// NewServer creates a new HTTP server.
func NewServer(orch *orchestrator.Orchestrator, store *ledger.Store, m *metrics.Metrics, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: ":8420"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		orch:    orch,
		store:   store,
		metrics: m,
		logger:  logger,
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/retry", s.handleRetry)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.POST("/tasks/:id/approve", s.handleApprove)
	v1.GET("/policies", s.handlePolicies)
	v1.GET("/stats", s.handleStats)
}

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	IssueRef string `json:"issue_ref"`
}

// TaskDetail is the response body for GET /api/v1/tasks/:id.
type TaskDetail struct {
	Task     *task.Task       `json:"task"`
	Attempts []ledger.Attempt `json:"attempts"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateTask accepts an issue reference and queues a new task.
func (s *Server) handleCreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IssueRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue_ref field is required")
	}

	t, err := s.orch.CreateTask(c.Request().Context(), req.IssueRef)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

// handleListTasks returns task snapshots, optionally filtered by state.
func (s *Server) handleListTasks(c echo.Context) error {
	var filter ledger.Filter
	if raw := c.QueryParam("state"); raw != "" {
		state := task.State(raw)
		switch state {
		case task.StatePending, task.StateInProgress, task.StateAwaitingApproval,
			task.StateCompleted, task.StateFailed, task.StateCancelled:
			filter.State = &state
		default:
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
		}
	}
	if err := echo.QueryParamsBinder(c).Int("limit", &filter.Limit).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
	}

	tasks, err := s.store.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

// handleGetTask returns one task plus its full attempt history.
func (s *Server) handleGetTask(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return s.mapError(err)
	}
	attempts, err := s.store.Attempts(ctx, id)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, TaskDetail{Task: t, Attempts: attempts})
}

func (s *Server) handleRetry(c echo.Context) error {
	t, err := s.orch.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancel(c echo.Context) error {
	t, err := s.orch.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleApprove(c echo.Context) error {
	t, err := s.orch.Approve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// handlePolicies returns the active policy rule snapshot.
func (s *Server) handlePolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.PolicyConfig())
}

// handleStats returns aggregate counters from the ledger.
func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
