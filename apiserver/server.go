// Package apiserver exposes the exchange over HTTP: a small REST
// surface for objects plus a per-session long-poll event feed.
package apiserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/longpoll"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Config carries the server's collaborators.
type Config struct {
	// Exchange is the object store the REST surface reads and mutates.
	Exchange *exchange.Manager

	// Sessions backs the long-poll event endpoint. The registry must be
	// fed from the same dispatcher the exchange delivers on.
	Sessions *longpoll.Registry

	Logger *zap.Logger

	// Addr is the listen address, DefaultAddr when empty.
	Addr string
}

// Server is the HTTP face of the exchange.
type Server struct {
	log      *zap.Logger
	objects  *exchange.Manager
	sessions *longpoll.Registry
	addr     string
	e        *echo.Echo
}

// New assembles the router. The server does not listen until Start.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		log:      log,
		objects:  cfg.Exchange,
		sessions: cfg.Sessions,
		addr:     addr,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("sapphire-api"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	api := e.Group("/api/v0")
	api.GET("", s.index)
	api.GET("/objects", s.listCollections)
	api.GET("/objects/:collection", s.listObjects)
	api.GET("/objects/:collection/:id", s.getObject)
	api.PUT("/objects/:collection/:id", s.putObject)
	api.PATCH("/objects/:collection/:id", s.patchObject)
	api.DELETE("/objects/:collection/:id", s.deleteObject)
	api.GET("/events", s.events)

	s.e = e
	return s
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("api server listening", zap.String("addr", s.addr))
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops listening and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
