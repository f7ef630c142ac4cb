// Package server provides the HTTP surface for missiond.
//
// It wraps an Echo router with standard middleware, a health endpoint,
// optional Prometheus metrics, and context-aware graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/helioslabs/missiond/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the daemon's HTTP server.
type Server struct {
	config *config.Config
	echo   *echo.Echo
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates an HTTP server with the standard middleware stack
// and the health endpoint registered. Additional routes hang off Echo().
func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config: cfg,
		echo:   e,
	}
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Server.Metrics {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "missiond",
	})
}

// Start starts the HTTP server and blocks until the context is
// cancelled or the listener fails. On cancellation it performs a
// graceful shutdown with the configured timeout and returns
// http.ErrServerClosed.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.config.Server.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes, such as the mission API.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
