package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lengolf/inbox/internal/healthcheck"
)

type PingHandler struct {
	logger   *slog.Logger
	checkers []healthcheck.Checker
}

// NewPingHandler creates a PingHandler. checkers back the readiness check.
func NewPingHandler(log *slog.Logger, checkers ...healthcheck.Checker) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{logger: log.With(slog.String("handler", "ping")), checkers: checkers}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/ready", h.Ready)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Ready runs every checker; any error-status item makes it 503.
func (h *PingHandler) Ready(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	if !report.Ready() {
		h.logger.Warn("readiness check failed", slog.Any("checks", report.Checks))
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}
