// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/deltatree/services/render/session"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/AleutianAI/deltatree/services/render/view"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// sessionSet holds the sessions visible to the inspection server.
type sessionSet struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func newSessionSet() *sessionSet {
	return &sessionSet{sessions: map[string]*session.Session{}}
}

func (s *sessionSet) add(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *sessionSet) get(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionSet) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// sessionSummary is the JSON shape of a session in listings.
type sessionSummary struct {
	ID         string `json:"id"`
	ReportID   string `json:"report_id"`
	Generation uint64 `json:"generation"`
	Leaves     int    `json:"leaves"`
	Blocks     int    `json:"blocks"`
	Stale      int    `json:"stale"`
}

func summarize(sess *session.Session) sessionSummary {
	return summarizeSnapshot(sess.ID(), sess.Snapshot())
}

func summarizeSnapshot(id string, snap session.Snapshot) sessionSummary {
	leaves, blocks := snap.Elements.Count()
	return sessionSummary{
		ID:         id,
		ReportID:   snap.ReportID,
		Generation: snap.Generation,
		Leaves:     leaves,
		Blocks:     blocks,
		Stale:      len(snap.Stale()),
	}
}

// newRouter builds the inspection API.
//
//	GET /healthz
//	GET /metrics
//	GET /sessions
//	GET /sessions/:id            tree as JSON, or YAML with ?format=yaml
//	GET /sessions/:id/text       tree as plain text
//	GET /sessions/:id/watch      websocket, one treeUpdate per new generation
func newRouter(live *sessionSet, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("deltatree"))

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(live.ids())})
	})
	router.GET("/metrics", gin.WrapH(metrics))

	router.GET("/sessions", func(c *gin.Context) {
		ids := live.ids()
		out := make([]sessionSummary, 0, len(ids))
		for _, id := range ids {
			if sess, ok := live.get(id); ok {
				out = append(out, summarize(sess))
			}
		}
		c.JSON(http.StatusOK, out)
	})

	router.GET("/sessions/:id", func(c *gin.Context) {
		sess, ok := live.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		snap := sess.Snapshot()
		doc := view.Build(snap.Elements, snap.ReportID)
		if c.Query("format") == "yaml" {
			c.YAML(http.StatusOK, doc)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": summarize(sess), "tree": doc})
	})

	router.GET("/sessions/:id/text", func(c *gin.Context) {
		sess, ok := live.get(c.Param("id"))
		if !ok {
			c.String(http.StatusNotFound, "session not found\n")
			return
		}
		snap := sess.Snapshot()
		c.String(http.StatusOK, view.Text(snap.Elements, view.Options{
			ReportID: snap.ReportID,
			Renderer: plainRenderer(),
		}))
	})

	router.GET("/sessions/:id/watch", func(c *gin.Context) {
		sess, ok := live.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		watchSession(c, sess)
	})

	return router
}

// -----------------------------------------------------------------------------
// Watch
// -----------------------------------------------------------------------------

// watchInterval is how often a watch connection polls for a new generation.
const watchInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// treeUpdate is one message on a watch connection.
type treeUpdate struct {
	Session sessionSummary `json:"session"`
	Tree    view.Document  `json:"tree"`
}

// watchSession sends the current tree, then every later generation, until
// the client disconnects. Generations published between two polls are
// coalesced into the latest one.
func watchSession(c *gin.Context, sess *session.Session) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("watch upgrade failed", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var sent uint64
	first := true
	for {
		if snap := sess.Snapshot(); first || snap.Generation != sent {
			update := treeUpdate{
				Session: summarizeSnapshot(sess.ID(), snap),
				Tree:    view.Build(snap.Elements, snap.ReportID),
			}
			if err := ws.WriteJSON(update); err != nil {
				slog.Debug("watch closed", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
				return
			}
			sent, first = snap.Generation, false
		}

		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// server runs the inspection API until stop is called.
type server struct {
	srv  *http.Server
	done chan struct{}
}

func startServer(addr string, live *sessionSet, gatherer prometheus.Gatherer) (*server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s := &server{
		srv: &http.Server{
			Handler:           newRouter(live, gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("inspection server stopped", slog.String("error", err.Error()))
		}
	}()

	slog.Info("inspection server listening", slog.String("addr", ln.Addr().String()))
	return s, nil
}

func (s *server) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
	<-s.done
}
