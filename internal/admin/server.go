// Package admin exposes a small read-only HTTP surface for operators:
// liveness, Prometheus scraping, and a debug listing of connected clients.
// It never accepts game traffic — that is internal/bichannel's job — and
// carries no write endpoints, unlike the teacher's REST API.
//
// Grounded on rustyguts-bken/server/api.go's echo.New() + middleware setup
// and its direct github.com/google/uuid import (reused in internal/dispatch
// for task correlation IDs rather than upload IDs here).
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"bichannel/server/internal/clients"
)

// ClientLister is the slice of internal/clients.Manager this package reads.
type ClientLister interface {
	ClientsConnected() int
	Snapshot() []*clients.Client
}

// Server is the admin HTTP surface.
type Server struct {
	echo    *echo.Echo
	logger  zerolog.Logger
	manager ClientLister
}

// New builds a Server and registers its routes. metricsHandler is typically
// promhttp.HandlerFor bound to the same registry passed to
// metrics.NewPrometheus.
func New(manager ClientLister, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("admin request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, logger: logger.With().Str("component", "admin").Logger(), manager: manager}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/debug/clients", s.handleDebugClients)
	e.GET("/metrics", echo.WrapHandler(metricsHandler))

	return s
}

// Run starts the HTTP server on addr and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.logger.Warn().Err(err).Msg("admin server shutdown")
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "ok",
		"clients_connected": s.manager.ClientsConnected(),
	})
}

type clientSummary struct {
	ID uint16 `json:"id"`
}

func (s *Server) handleDebugClients(c echo.Context) error {
	snap := s.manager.Snapshot()
	out := make([]clientSummary, 0, len(snap))
	for _, cl := range snap {
		out = append(out, clientSummary{ID: cl.ID})
	}
	return c.JSON(http.StatusOK, out)
}
