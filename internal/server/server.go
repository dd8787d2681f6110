package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/antimomentum/antimomentum/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const internalErrorMessage = "Internal server error"

// Server is the HTTP front of the job pipeline.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	logger *log.Logger
}

// New wires routes and middleware. metrics may be nil, in which case
// /metrics is not registered.
func New(cfg config.ServerConfig, st JobStore, dispatcher Dispatcher, metrics http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || p == "/health" || p == "/metrics"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Printf("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	jobs := NewJobsHandler(st, dispatcher, logger)
	jobs.Register(e.Group("/api/jobs"))

	return &Server{echo: e, cfg: cfg, logger: logger}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	addr := s.cfg.Address
	if addr == "" {
		addr = ":5000"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	s.logger.Printf("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// errorHandler renders every error as {"message": ...}. Unexpected errors are
// logged in full but reach the client only as a generic message.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := internalErrorMessage
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil && code != http.StatusInternalServerError {
				msg = fmt.Sprint(he.Message)
			}
			if he.Internal != nil {
				err = fmt.Errorf("%v: %w", he.Message, he.Internal)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]string{"message": msg})
	}
}
