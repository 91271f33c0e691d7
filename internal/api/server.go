// Package api exposes the operational HTTP surface: health, metrics,
// the signal webhook, and strategy controls.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"prop-engine/internal/account"
	"prop-engine/internal/cache"
	"prop-engine/internal/engine"
	"prop-engine/internal/monitor"
	"prop-engine/internal/queue"
	"prop-engine/internal/signals"
	"prop-engine/internal/strategy"
)

const shutdownGrace = 10 * time.Second

// StrategyControl is the manager surface the API drives.
type StrategyControl interface {
	Enable(name string) error
	Disable(name string) error
	Verify(name string) ([]strategy.Verification, error)
}

// SignalHandler accepts one webhook payload.
type SignalHandler interface {
	Handle(ctx context.Context, raw signals.RawSignal) (signals.Signal, error)
}

// Flattener is the engine's kill switch.
type Flattener interface {
	Flatten(ctx context.Context, reason string) error
	ActiveIntents() []engine.BracketIntent
}

// Deps collects everything the handlers read from.
type Deps struct {
	Queue      interface{ Stats() queue.Stats }
	Cache      interface{ Stats() cache.Stats }
	Tracker    interface{ Status() account.Status }
	Monitor    interface{ Snapshot() []monitor.EndpointStats }
	Engine     Flattener
	Strategies StrategyControl
	Signals    SignalHandler
	BusDropped func() uint64
	LateQuotes func() uint64
}

// Options holds the server's own settings.
type Options struct {
	Port           string
	JWTSecret      string
	WebhookEnabled bool
}

// Server is the HTTP front of the engine.
type Server struct {
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	started time.Time
	http    *http.Server
}

// New builds the server and its route table.
func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		opts:    opts,
		deps:    deps,
		logger:  logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(s.logger))

	router.GET("/health", s.health)
	router.GET("/metrics", s.metrics)
	if opts.WebhookEnabled {
		router.POST("/webhook", s.webhook)
	}

	authed := router.Group("/api", jwtAuth(opts.JWTSecret))
	authed.GET("/account", s.accountStatus)
	authed.GET("/intents", s.intents)
	authed.POST("/flatten", s.flatten)
	authed.GET("/strategies/:name/verify", s.strategyVerify)
	authed.POST("/strategies/:name/start", s.strategyStart)
	authed.POST("/strategies/:name/stop", s.strategyStop)

	s.http = &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.http.Shutdown(shutCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) metrics(c *gin.Context) {
	status := s.deps.Tracker.Status()
	c.JSON(http.StatusOK, gin.H{
		"queue":        s.deps.Queue.Stats(),
		"cache":        s.deps.Cache.Stats(),
		"account":      status,
		"api_calls":    s.deps.Monitor.Snapshot(),
		"bus_dropped":  s.deps.BusDropped(),
		"late_quotes":  s.deps.LateQuotes(),
		"open_intents": len(s.deps.Engine.ActiveIntents()),
	})
}

func (s *Server) webhook(c *gin.Context) {
	var raw signals.RawSignal
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	sig, err := s.deps.Signals.Handle(c.Request.Context(), raw)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "symbol": sig.Symbol, "action": sig.Action})
	case errors.Is(err, signals.ErrBadSignal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, signals.ErrDebounced), errors.Is(err, signals.ErrIgnored):
		// The sender did nothing wrong; acknowledge so it does not retry.
		c.JSON(http.StatusOK, gin.H{"status": "dropped", "reason": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("webhook dispatch failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) accountStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tracker.Status())
}

func (s *Server) intents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"intents": s.deps.Engine.ActiveIntents()})
}

func (s *Server) flatten(c *gin.Context) {
	if err := s.deps.Engine.Flatten(c.Request.Context(), "operator flatten"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flattened"})
}

func (s *Server) strategyVerify(c *gin.Context) {
	checks, err := s.deps.Strategies.Verify(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": c.Param("name"), "instances": checks})
}

func (s *Server) strategyStart(c *gin.Context) {
	if err := s.deps.Strategies.Enable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) strategyStop(c *gin.Context) {
	if err := s.deps.Strategies.Disable(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}
