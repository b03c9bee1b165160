// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the decision layer over HTTP: one endpoint per
// caller-facing operation plus a websocket event stream for observers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/buildinfo"
	"github.com/pollpilot/pollpilot/internal/config"
	"github.com/pollpilot/pollpilot/internal/decision"
	"github.com/pollpilot/pollpilot/internal/events"
)

// Server hosts the HTTP surface for one orchestrator session.
type Server struct {
	cfg    *config.Config
	orch   *decision.Orchestrator
	bus    *events.Bus
	engine *gin.Engine
	http   *http.Server
}

// NewServer wires routes onto a fresh gin engine. bus may be nil; the
// event stream endpoint then serves nothing but stays correct.
func NewServer(cfg *config.Config, orch *decision.Orchestrator, bus *events.Bus) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:    cfg,
		orch:   orch,
		bus:    bus,
		engine: engine,
	}

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1")
	{
		v1.POST("/decide", s.handleDecide)
		v1.POST("/feedback", s.handleFeedback)
		v1.POST("/navigate", s.handleNavigate)
		v1.GET("/stats", s.handleStats)
		v1.GET("/events", s.handleEvents)
	}

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("pollpilot %s listening on %s", buildinfo.Version, addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// requestLogger logs completed requests through logrus instead of gin's
// own writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithField("status", c.Writer.Status()).
			Debugf("%s %s (%v)", c.Request.Method, c.Request.URL.Path, time.Since(start).Round(time.Millisecond))
	}
}
