// Package server builds the echo instance every handler registers on.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lengolf/inbox/internal/auth"
)

// Handler is implemented by every route group.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

var (
	jwtExactSkipPaths  = map[string]struct{}{"/ping": {}, "/health": {}, "/health/ready": {}, "/metrics": {}}
	jwtPrefixSkipPaths = []string{"/webhooks/"}
)

// NewServer wires middleware and routes. Webhooks, health and metrics are
// public; webhooks authenticate by platform signature instead.
func NewServer(log *slog.Logger, addr, jwtSecret string, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))
	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{echo: e, addr: addr}
}

func shouldSkipJWT(path string) bool {
	if _, ok := jwtExactSkipPaths[path]; ok {
		return true
	}
	for _, prefix := range jwtPrefixSkipPaths {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return true
		}
	}
	return false
}

func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Start() error                   { return s.echo.Start(s.addr) }
func (s *Server) Stop(ctx context.Context) error { return s.echo.Shutdown(ctx) }
