// Package server wires the HTTP surface: routing, middleware, health and
// metrics endpoints, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kayano/streamchat/ai/llm"
	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/internal/profile"
	apiv1 "github.com/kayano/streamchat/server/router/api/v1"
	"github.com/kayano/streamchat/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	registry   *streams.Registry
	apiV1      *apiv1.APIV1Service
}

func NewServer(_ context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())

	llmService, err := llm.NewService(&llm.Config{
		Provider: profile.LLMProvider,
		Model:    profile.LLMModel,
		APIKey:   profile.LLMAPIKey,
		BaseURL:  profile.LLMBaseURL,
		Timeout:  profile.LLMTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm service")
	}

	registry := streams.NewRegistry(time.Duration(profile.StreamRetention) * time.Second)

	s := &Server{
		Profile:    profile,
		Store:      store,
		echoServer: e,
		registry:   registry,
		apiV1:      apiv1.NewAPIV1Service(profile, store, llmService, registry),
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"version": profile.Version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.apiV1.RegisterRoutes(e)

	return s, nil
}

// Start launches the listener in the background and returns immediately.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listener stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down server", "error", err)
	}
	s.registry.Stop()
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server stopped")
}

// requestLogger logs one line per request. Streaming responses log on
// completion, after the client detaches.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
