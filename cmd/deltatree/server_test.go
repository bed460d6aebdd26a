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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/deltatree/services/render/counters"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/session"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router, _ := newTestRouterWithSession(t)
	return router
}

func newTestRouterWithSession(t *testing.T) (*gin.Engine, *session.Session) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	sink, err := counters.NewPrometheus(reg)
	require.NoError(t, err)

	s := session.New(session.WithID("page"), session.WithReconciler(reconcile.New(reconcile.WithCounters(sink))))
	for _, msg := range []reconcile.Message{
		markdownMsg(0, "# Title"),
		blockMsg(1, tree.LayoutVertical),
		markdownMsg(0, "inner", 1),
	} {
		_, err := s.Apply(context.Background(), msg)
		require.NoError(t, err)
	}

	live := newSessionSet()
	live.add(s)
	return newRouter(live, reg), s
}

func get(t *testing.T, router *gin.Engine, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestRouter_Health(t *testing.T) {
	w := get(t, newTestRouter(t), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, w.Body.String())
}

func TestRouter_Sessions(t *testing.T) {
	w := get(t, newTestRouter(t), "/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var got []sessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "page", got[0].ID)
	assert.Equal(t, uint64(3), got[0].Generation)
	assert.Equal(t, 2, got[0].Leaves)
	assert.Equal(t, 1, got[0].Blocks)
	assert.Zero(t, got[0].Stale)
}

func TestRouter_SessionTree(t *testing.T) {
	router := newTestRouter(t)

	t.Run("json", func(t *testing.T) {
		w := get(t, router, "/sessions/page")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Session sessionSummary `json:"session"`
			Tree    struct {
				Main []struct {
					Type     string            `json:"type"`
					Children []json.RawMessage `json:"children"`
				} `json:"main"`
			} `json:"tree"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "page", body.Session.ID)
		require.Len(t, body.Tree.Main, 2)
		assert.Len(t, body.Tree.Main[1].Children, 1)
	})

	t.Run("yaml", func(t *testing.T) {
		w := get(t, router, "/sessions/page?format=yaml")
		require.Equal(t, http.StatusOK, w.Code)

		var doc struct {
			Main []struct {
				Type string `yaml:"type"`
				Kind string `yaml:"kind"`
			} `yaml:"main"`
		}
		require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &doc))
		require.Len(t, doc.Main, 2)
		assert.Equal(t, "markdown", doc.Main[0].Kind)
		assert.Equal(t, "block", doc.Main[1].Type)
	})

	t.Run("text", func(t *testing.T) {
		w := get(t, router, "/sessions/page/text")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "[1] block vertical")
		assert.Contains(t, w.Body.String(), `[0] markdown "inner"`)
		assert.NotContains(t, w.Body.String(), "\x1b[", "no color codes")
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, router, "/sessions/other").Code)
		assert.Equal(t, http.StatusNotFound, get(t, router, "/sessions/other/text").Code)
	})
}

func TestRouter_Metrics(t *testing.T) {
	w := get(t, newTestRouter(t), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `deltatree_reconcile_events_total{key="main"} 3`)
	assert.Contains(t, w.Body.String(), `deltatree_reconcile_events_total{key="new block"} 1`)
}

func TestRouter_Watch(t *testing.T) {
	router, sess := newTestRouterWithSession(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/page/watch"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))

	var first treeUpdate
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, uint64(3), first.Session.Generation)
	assert.Len(t, first.Tree.Main, 2)

	_, err = sess.Apply(context.Background(), markdownMsg(2, "footer"))
	require.NoError(t, err)

	var next treeUpdate
	require.NoError(t, ws.ReadJSON(&next))
	assert.Equal(t, uint64(4), next.Session.Generation)
	assert.Len(t, next.Tree.Main, 3)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/sessions/other/watch", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
