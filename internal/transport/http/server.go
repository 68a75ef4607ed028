// Package http provides the HTTP servers of botchat.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/gateway"
	"github.com/xiaot623/botchat/internal/hub"
	"github.com/xiaot623/botchat/internal/service"
	"github.com/xiaot623/botchat/internal/stats"
	"github.com/xiaot623/botchat/internal/transport/http/binding"
	"github.com/xiaot623/botchat/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/botchat/internal/transport/http/v1"
)

// NewExternalServer creates the public server: chat API, admin API and the
// websocket endpoint.
func NewExternalServer(svc *service.Service, st *stats.Engine, gw *gateway.Server, verifier *auth.Verifier, logger *zap.Logger) *echo.Echo {
	e := newEcho(logger.Named("http"))
	e.Use(middleware.CORS())

	v1.NewHandler(svc, st).RegisterRoutes(e, verifier)
	e.GET("/ws", gw.HandleWebSocket)

	return e
}

// NewInternalServer creates the server for the workflow engine webhooks,
// health checks and metrics.
func NewInternalServer(svc *service.Service, h *hub.Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *echo.Echo {
	e := newEcho(logger.Named("internal_http"))

	internalapi.NewHandler(svc, h).RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return e
}

func newEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = binding.NewValidator()

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,

		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	return e
}
