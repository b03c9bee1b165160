// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/buildinfo"
	"github.com/pollpilot/pollpilot/internal/decision"
	"github.com/pollpilot/pollpilot/internal/events"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"circuit": s.orch.CircuitState().String(),
	})
}

func (s *Server) handleDecide(c *gin.Context) {
	var req decision.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.orch.Decide(c.Request.Context(), req)
	if err != nil {
		var ce *decision.ConfigurationError
		if errors.As(err, &ce) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ce.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// feedbackRequest reports that an issued decision failed in execution.
type feedbackRequest struct {
	decision.Request
	FailedAction string `json:"failed_action"`
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.FailedAction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed_action is required"})
		return
	}

	result, err := s.orch.ReportExecutionFailure(c.Request.Context(), req.Request, req.FailedAction)
	if err != nil {
		var ce *decision.ConfigurationError
		if errors.As(err, &ce) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ce.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

type navigateRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleNavigate(c *gin.Context) {
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	s.orch.Navigate(req.URL)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	snap := s.orch.Metrics()
	cacheMetrics := s.orch.CacheMetrics()

	c.JSON(http.StatusOK, gin.H{
		"decisions": snap,
		"cache": gin.H{
			"hits":            cacheMetrics.Hits,
			"similarity_hits": cacheMetrics.SimilarityHits,
			"misses":          cacheMetrics.Misses,
			"evictions":       cacheMetrics.Evictions,
			"size":            cacheMetrics.Size,
		},
		"circuit": s.orch.CircuitState().String(),
		"session": s.orch.Session().Snapshot(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local observability surface, same trust domain as the caller.
		return true
	},
}

// streamedEvents lists what the websocket forwards.
var streamedEvents = []events.Event{
	events.EventCircuitOpen,
	events.EventCircuitClose,
	events.EventSlowDecision,
	events.EventPageStateReset,
}

// handleEvents upgrades to a websocket and forwards bus events until the
// client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("Failed to upgrade event stream: %v", err)
		return
	}
	defer ws.Close()

	if s.bus == nil {
		// Nothing will ever arrive; hold the connection open anyway.
		waitForClose(ws)
		return
	}

	// Buffered so a slow client drops events instead of blocking the bus.
	queue := make(chan *events.Context, 64)
	forward := func(ctx *events.Context) {
		select {
		case queue <- ctx:
		default:
		}
	}

	subs := make([]*events.Subscription, 0, len(streamedEvents))
	for _, event := range streamedEvents {
		subs = append(subs, s.bus.Subscribe(event, forward))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		waitForClose(ws)
	}()

	for {
		select {
		case <-done:
			return
		case ctx := <-queue:
			if err := ws.WriteJSON(gin.H{
				"event":     ctx.Event,
				"timestamp": ctx.Timestamp.Format(time.RFC3339Nano),
				"cycle_id":  ctx.CycleID,
				"data":      ctx.Data,
			}); err != nil {
				return
			}
		}
	}
}

// waitForClose reads until the peer goes away.
func waitForClose(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
