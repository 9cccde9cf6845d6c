// Package httpapi exposes the health probe, Prometheus metrics and the
// optional raw-message inbound endpoint over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/relay"
)

const shutdownTimeout = 10 * time.Second

// Config holds the settings of the HTTP API.
type Config struct {
	ListenAddr string

	// InboundEnabled registers POST /v1/inbound.
	InboundEnabled bool

	// MaxBodySize bounds the inbound request body in bytes.
	MaxBodySize int64

	Deliverer relay.Deliverer
	Gatherer  prometheus.Gatherer
}

// Server serves the HTTP API.
type Server struct {
	config Config
	router *gin.Engine
}

// New builds the router for cfg.
func New(cfg Config) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 25 * units.MiB
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{config: cfg, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	if s.config.InboundEnabled {
		s.router.POST("/v1/inbound", s.inbound)
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening",
			"addr", s.config.ListenAddr,
			"inbound_enabled", s.config.InboundEnabled,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// inbound accepts a raw RFC 5322 message as the request body and runs it
// through the delivery pipeline.
func (s *Server) inbound(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodySize)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	in := email.Inbound{Raw: raw}
	if from := c.Query("from"); from != "" {
		in.EnvelopeFrom = from
	}
	if to := c.QueryArray("to"); len(to) > 0 {
		in.EnvelopeTo = to
	}

	if err := s.config.Deliverer.Deliver(context.WithoutCancel(c.Request.Context()), in); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// statusFor maps a delivery error to an HTTP status code.
func statusFor(err error) int {
	var rejectErr *relay.RejectError
	if !errors.As(err, &rejectErr) {
		return http.StatusInternalServerError
	}
	switch rejectErr.Kind {
	case relay.KindConfiguration:
		return http.StatusServiceUnavailable
	case relay.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
