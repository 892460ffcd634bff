// Package server hosts the admin HTTP API and owns the lifecycle of the
// background workers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/askparrot/internal/profile"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/ai/quota"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server/assistant"
	apiv1 "github.com/hrygo/askparrot/server/router/api/v1"
	"github.com/hrygo/askparrot/store"
)

// Components are the long-lived parts served by a Server.
type Components struct {
	Store     *store.Store
	Cache     *conversation.Cache
	Limiter   *quota.Limiter
	Scheduler *quota.ResetScheduler
	Queue     *delivery.Queue
	Assistant *assistant.Service
	// AIUsage reports key spend on the admin API; optional.
	AIUsage apiv1.UsageReporter
}

// ShutdownTimeout bounds how long Shutdown waits for answers and deliveries.
var ShutdownTimeout = 10 * time.Second

type Server struct {
	Profile *profile.Profile
	Components

	echoServer *echo.Echo
	listener   net.Listener
	logger     *slog.Logger
}

func NewServer(profile *profile.Profile, components Components) *Server {
	s := &Server{
		Profile:    profile,
		Components: components,
		logger:     slog.Default(),
	}

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("admin API request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	s.echoServer = echoServer

	apiV1Service := apiv1.NewAPIV1Service(profile, components.Store, components.Cache,
		components.Limiter, components.Queue, components.Assistant)
	apiV1Service.Scheduler = components.Scheduler
	apiV1Service.AIUsage = components.AIUsage
	apiV1Service.RegisterRoutes(echoServer)
	return s
}

// Handler returns the HTTP handler of the admin API.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

// Start launches the background workers and begins listening. It returns
// once the listener is bound; Serve blocks on it. The workers outlive ctx
// and are stopped only by Shutdown, so answers still being computed when
// ctx ends can be delivered.
func (s *Server) Start(ctx context.Context) error {
	workerCtx := context.WithoutCancel(ctx)
	s.Cache.Start(workerCtx)
	if err := s.Scheduler.Start(workerCtx); err != nil {
		return errors.Wrap(err, "failed to start quota reset scheduler")
	}
	if err := s.Queue.Start(workerCtx); err != nil {
		return errors.Wrap(err, "failed to start delivery queue")
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.listener = listener
	s.logger.Info("askparrot started", "address", listener.Addr().String(), "mode", s.Profile.Mode)
	return nil
}

// Serve serves the admin API until Shutdown is called.
func (s *Server) Serve() error {
	s.echoServer.Listener = s.listener
	if err := s.echoServer.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin API server failed")
	}
	return nil
}

// Shutdown stops accepting requests, lets in-flight answers reach the
// queue and the queue reach the transport, then stops the workers and
// closes the store. Waiting is bounded by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown admin API server", "error", err)
	}

	if err := s.Assistant.WaitContext(ctx); err != nil {
		s.logger.Warn("gave up waiting for in-flight answers", "error", err)
	}
	if err := s.Queue.Drain(ctx); err != nil {
		s.logger.Warn("delivery queue not drained", "pending", s.Queue.Pending(), "error", err)
	}
	s.Queue.Stop()
	s.Scheduler.Stop()
	s.Cache.Stop()

	if err := s.Store.Close(); err != nil {
		s.logger.Error("failed to close database", "error", err)
	}
	s.logger.Info("askparrot stopped properly")
}
