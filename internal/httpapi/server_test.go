// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hyper-Int/browser-broker/internal/browser"
	"github.com/Hyper-Int/browser-broker/internal/cdp"
	"github.com/Hyper-Int/browser-broker/internal/observability"
	"github.com/Hyper-Int/browser-broker/internal/ports"
	"github.com/Hyper-Int/browser-broker/internal/sessions"
)

type stubProcess struct {
	port int
	exit chan browser.ExitEvent
	once sync.Once
}

func (p *stubProcess) PID() int                       { return 999 }
func (p *stubProcess) Exit() <-chan browser.ExitEvent { return p.exit }
func (p *stubProcess) Terminate(ctx context.Context) error {
	p.once.Do(func() { p.exit <- browser.ExitEvent{Reason: browser.ReasonTerminated} })
	return nil
}

type stubLauncher struct {
	failNext error
}

func (l *stubLauncher) Launch(ctx context.Context, port int, profile browser.Profile) (sessions.ProcessHandle, error) {
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return nil, err
	}
	return &stubProcess{port: port, exit: make(chan browser.ExitEvent, 1)}, nil
}

type stubTail struct{}

func (stubTail) Detach() {}

type stubAttacher struct {
	mu    sync.Mutex
	sinks []cdp.Sink
}

func (a *stubAttacher) Attach(ctx context.Context, port int, opts cdp.AttachOptions) (sessions.TailerHandle, error) {
	a.mu.Lock()
	a.sinks = append(a.sinks, opts.Sink)
	a.mu.Unlock()
	return stubTail{}, nil
}

func (a *stubAttacher) lastSink() cdp.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sinks[len(a.sinks)-1]
}

type apiRig struct {
	handler  http.Handler
	launcher *stubLauncher
	attacher *stubAttacher
}

func newAPIRig(t *testing.T, low, high int) *apiRig {
	t.Helper()
	allocator, err := ports.NewAllocator(low, high)
	require.NoError(t, err)

	launcher := &stubLauncher{}
	attacher := &stubAttacher{}
	metrics := observability.NewMetrics()
	registry := sessions.NewRegistry(sessions.RegistryConfig{
		Ports:    allocator,
		Launcher: launcher,
		Attacher: attacher,
		LogCap:   100,
		CDPHost:  "host.docker.internal",
		Logger:   zerolog.Nop(),
		Metrics:  metrics,
	})
	server := NewServer(registry, metrics, zerolog.Nop())
	return &apiRig{handler: server.Handler(), launcher: launcher, attacher: attacher}
}

func (rig *apiRig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	rig.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rr := rig.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rr := rig.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "browser_broker_active_sessions")
}

func TestCreateSession(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)

	rr := rig.do(t, http.MethodPost, "/sessions", `{"user_id":"demo"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var detail sessions.Detail
	decodeBody(t, rr, &detail)
	assert.NotEmpty(t, detail.ID)
	assert.Equal(t, sessions.StatusActive, detail.Status)
	assert.Equal(t, 9222, detail.Port)
	assert.Equal(t, "ws://host.docker.internal:9222", detail.CDPURL)
}

func TestCreateSessionEmptyBody(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rr := rig.do(t, http.MethodPost, "/sessions", "")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestCreateSessionExhausted(t *testing.T) {
	rig := newAPIRig(t, 9222, 9222)

	require.Equal(t, http.StatusCreated, rig.do(t, http.MethodPost, "/sessions", "").Code)

	rr := rig.do(t, http.MethodPost, "/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rr, &envelope)
	assert.Equal(t, "PORTS_EXHAUSTED", envelope.Error.Code)
}

func TestCreateSessionLaunchFailure(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rig.launcher.failNext = fmt.Errorf("%w: missing chromium binary", browser.ErrLaunchFailed)

	rr := rig.do(t, http.MethodPost, "/sessions", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rr, &envelope)
	assert.Equal(t, "LAUNCH_FAILED", envelope.Error.Code)
}

func TestListSessions(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	require.Equal(t, http.StatusCreated, rig.do(t, http.MethodPost, "/sessions", "").Code)
	require.Equal(t, http.StatusCreated, rig.do(t, http.MethodPost, "/sessions", "").Code)

	rr := rig.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Items []sessions.Summary `json:"items"`
		Total int                `json:"total"`
	}
	decodeBody(t, rr, &body)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 2)
	assert.NotEqual(t, body.Items[0].Port, body.Items[1].Port)
}

func TestGetSessionNotFound(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rr := rig.do(t, http.MethodGet, "/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteSession(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)

	rr := rig.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var detail sessions.Detail
	decodeBody(t, rr, &detail)

	assert.Equal(t, http.StatusNoContent, rig.do(t, http.MethodDelete, "/sessions/"+detail.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, rig.do(t, http.MethodGet, "/sessions/"+detail.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, rig.do(t, http.MethodDelete, "/sessions/"+detail.ID, "").Code)
}

func TestSessionLogs(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)

	rr := rig.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var detail sessions.Detail
	decodeBody(t, rr, &detail)

	sink := rig.attacher.lastSink()
	for i := 0; i < 5; i++ {
		sink.Append("network", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}

	rr = rig.do(t, http.MethodGet, "/sessions/"+detail.ID+"/logs?since=2", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Items []struct {
			Seq      uint64 `json:"seq"`
			Category string `json:"category"`
		} `json:"items"`
		LastSeq uint64 `json:"last_seq"`
	}
	decodeBody(t, rr, &body)
	require.Len(t, body.Items, 3)
	assert.Equal(t, uint64(3), body.Items[0].Seq)
	assert.Equal(t, "network", body.Items[0].Category)
	assert.Equal(t, uint64(5), body.LastSeq)

	rr = rig.do(t, http.MethodGet, "/sessions/"+detail.ID+"/logs?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &body)
	require.Len(t, body.Items, 2)
	assert.Equal(t, uint64(4), body.Items[0].Seq)
}

func TestSessionLogsBadSince(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)

	rr := rig.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var detail sessions.Detail
	decodeBody(t, rr, &detail)

	rr = rig.do(t, http.MethodGet, "/sessions/"+detail.ID+"/logs?since=banana", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rr, &envelope)
	assert.Equal(t, "BAD_PARAM", envelope.Error.Code)
}

func TestSessionLogsNotFound(t *testing.T) {
	rig := newAPIRig(t, 9222, 9224)
	rr := rig.do(t, http.MethodGet, "/sessions/nope/logs", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
