// server.go: Package httpserver exposes the in-memory tile board, context registration
// and metrics over HTTP.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/birdnet-tiles/internal/daily"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/pipeline"
)

const (
	// DefaultListen is the default listen address.
	DefaultListen = ":8089"

	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	bodyLimit       = "64K"
)

// Pipeline is the controller surface the server drives.
type Pipeline interface {
	Register(ctx context.Context, id string, kind display.Kind) error
	Unregister(ctx context.Context, id string) error
	TodaySpecies(ctx context.Context) ([]daily.SpeciesRecord, error)
	Status(ctx context.Context) (pipeline.Status, error)
}

// Tiles is the read side of the display board.
type Tiles interface {
	All() []display.TileState
	Get(contextID string) (display.TileState, bool)
}

// Server is the HTTP surface.
type Server struct {
	echo      *echo.Echo
	listen    string
	pipeline  Pipeline
	tiles     Tiles
	metrics   http.Handler
	log       logger.Logger
	startTime time.Time
	version   string
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a server bound to listen. The listener opens on Start.
func New(listen string, p Pipeline, tiles Tiles, opts ...Option) *Server {
	if listen == "" {
		listen = DefaultListen
	}
	s := &Server{
		listen:    listen,
		pipeline:  p,
		tiles:     tiles,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("httpserver")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.WriteTimeout = writeTimeout
	s.echo.Server.IdleTimeout = idleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator:        uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			r := c.Request()
			c.SetRequest(r.WithContext(logger.WithRequestID(r.Context(), id)))
		},
	}))
	s.echo.Use(echomw.BodyLimit(bodyLimit))
	s.echo.Use(s.requestLogger())
}

// requestLogger logs each request at debug level, errors at warn.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.String("request_id", v.RequestID),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := s.echo.Group("/api/v1")
	api.GET("/tiles", s.listTiles)
	api.GET("/tiles/:id", s.getTile)
	api.GET("/tiles/:id/image", s.getTileImage)
	api.POST("/contexts", s.registerContext)
	api.DELETE("/contexts/:id", s.unregisterContext)
	api.GET("/today", s.today)
	api.GET("/status", s.status)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("http server starting", logger.String("address", s.listen))
	if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryNetwork).
			Context("address", s.listen).
			Build()
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryNetwork).
			Build()
	}
	s.log.Info("http server stopped")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
