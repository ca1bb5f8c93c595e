package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"TrapFlow/pkg/http/middleware"
	"TrapFlow/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOption configures Server.
type ServerOption func(*ServerConfig)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SlowRequest  time.Duration
	CORS         bool
	MetricsPath  string
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
	Logger       *logger.Logger
}

// Server wraps the Echo admin server.
type Server struct {
	echo   *echo.Echo
	config *ServerConfig
	errCh  chan error
}

// NewServer builds the Echo instance and registers every handler.
func NewServer(handlers []Handler, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		SlowRequest:  time.Second,
		CORS:         true,
		MetricsPath:  "/metrics",
		Registerer:   prometheus.DefaultRegisterer,
		Gatherer:     prometheus.DefaultGatherer,
		Logger:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(middleware.Recover(cfg.Logger))
	e.Use(middleware.RequestLogging(cfg.Logger, cfg.SlowRequest))
	e.Use(middleware.NewHTTPMetrics(cfg.Registerer).Middleware())
	if cfg.CORS {
		e.Use(middleware.CORS(middleware.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
			MaxAge:       600,
		}))
	}

	for _, h := range handlers {
		if h != nil {
			h.RegisterRoutes(e)
		}
	}
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		echo:   e,
		config: cfg,
		errCh:  make(chan error, 1),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Start listens in the background. A listener failure is delivered on
// Errors.
func (s *Server) Start() error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.echo.Listener = ln

	go func() {
		s.config.Logger.Info("http server listening", logger.String("addr", addr))
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("http server error", logger.Error(err))
			s.errCh <- err
		}
	}()
	return nil
}

// Errors reports a listener failure after Start.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.config.Logger.Info("http server stopped gracefully")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// WithHost sets server host.
func WithHost(host string) ServerOption {
	return func(c *ServerConfig) {
		c.Host = host
	}
}

// WithPort sets server port.
func WithPort(port int) ServerOption {
	return func(c *ServerConfig) {
		c.Port = port
	}
}

// WithTimeouts sets read/write timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.ReadTimeout = read
		c.WriteTimeout = write
	}
}

// WithCORS enables/disables CORS.
func WithCORS(enabled bool) ServerOption {
	return func(c *ServerConfig) {
		c.CORS = enabled
	}
}

// WithMetrics serves gatherer on path and registers HTTP collectors on reg.
// An empty path disables the endpoint.
func WithMetrics(path string, reg prometheus.Registerer, gatherer prometheus.Gatherer) ServerOption {
	return func(c *ServerConfig) {
		c.MetricsPath = path
		if reg != nil {
			c.Registerer = reg
		}
		if gatherer != nil {
			c.Gatherer = gatherer
		}
	}
}

// WithLogger sets the request and lifecycle logger.
func WithLogger(l *logger.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = l
	}
}
