// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sessions owns the authoritative table of browser sessions.
//
// A session is one isolated headless browser process, its leased
// remote-debugging port, the tailer attached to that port, and the log buffer
// the tailer feeds. The registry drives the lifecycle
//
//	starting -> active -> terminating -> terminated
//
// with crashed as an alternate terminal state entered when the supervisor
// reports an unsolicited exit or the tailer loses its connection. No
// transition leaves terminated or crashed.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/browser-broker/internal/browser"
	"github.com/Hyper-Int/browser-broker/internal/cdp"
	"github.com/Hyper-Int/browser-broker/internal/id"
	"github.com/Hyper-Int/browser-broker/internal/logbuf"
	"github.com/Hyper-Int/browser-broker/internal/observability"
	"github.com/Hyper-Int/browser-broker/internal/ports"
)

var ErrSessionNotFound = errors.New("session not found")

type Status string

const (
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusCrashed     Status = "crashed"
)

// ProcessHandle is the registry's view of a supervised browser process.
type ProcessHandle interface {
	Terminate(ctx context.Context) error
	Exit() <-chan browser.ExitEvent
	PID() int
}

// Launcher starts browser processes. *browser.Supervisor satisfies this
// through a thin adapter in cmd/server; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, port int, profile browser.Profile) (ProcessHandle, error)
}

// TailerHandle is a live event-stream attachment.
type TailerHandle interface {
	Detach()
}

// Attacher opens tailer attachments.
type Attacher interface {
	Attach(ctx context.Context, port int, opts cdp.AttachOptions) (TailerHandle, error)
}

// Options carries launch/profile options from a create request.
type Options struct {
	UserID      string   `json:"user_id,omitempty"`
	UserDataDir string   `json:"user_data_dir,omitempty"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
}

// Summary is the list() view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Port      int       `json:"port"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Detail is the get() view of a session.
type Detail struct {
	ID        string    `json:"id"`
	Port      int       `json:"port"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	CDPURL    string    `json:"cdp_url"`
	PID       int       `json:"pid,omitempty"`
	LastSeq   uint64    `json:"last_seq"`
}

type record struct {
	id        string
	port      int
	status    Status
	createdAt time.Time
	userID    string

	proc ProcessHandle
	tail TailerHandle
	logs *logbuf.Buffer

	// teardown is the per-session serialization point: whichever of delete or
	// crash-notification sets it first runs the teardown, the other becomes a
	// no-op. Checked and set under the registry lock.
	teardown bool
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Ports    *ports.Allocator
	Launcher Launcher
	Attacher Attacher
	LogCap   int
	CDPHost  string
	// UserDataBase, when set, gives each session that does not ask for a
	// specific profile directory its own one underneath it.
	UserDataBase string
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*record

	ports        *ports.Allocator
	launcher     Launcher
	attacher     Attacher
	logCap       int
	cdpHost      string
	userDataBase string
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		sessions:     make(map[string]*record),
		ports:        cfg.Ports,
		launcher:     cfg.Launcher,
		attacher:     cfg.Attacher,
		logCap:       cfg.LogCap,
		cdpHost:      cfg.CDPHost,
		userDataBase: cfg.UserDataBase,
		logger:       cfg.Logger.With().Str("component", "registry").Logger(),
		metrics:      cfg.Metrics,
	}
}

// Create allocates a port, launches a browser bound to it, attaches the
// tailer, and stores the session. If any step fails, everything acquired so
// far is unwound before the error is returned: no leaked ports, no zombie
// processes, no partial record.
func (r *Registry) Create(ctx context.Context, opts Options) (*Detail, error) {
	sessionID := id.New()

	port, err := r.ports.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	r.metrics.PortsLeased.Set(float64(r.ports.Leased()))

	buf := logbuf.NewBuffer(r.logCap)
	rec := &record{
		id:        sessionID,
		port:      port,
		status:    StatusStarting,
		createdAt: time.Now().UTC(),
		userID:    opts.UserID,
		logs:      buf,
	}
	r.mu.Lock()
	r.sessions[sessionID] = rec
	r.mu.Unlock()

	log := r.logger.With().Str("session", sessionID).Int("port", port).Logger()

	userDataDir := opts.UserDataDir
	if userDataDir == "" && r.userDataBase != "" {
		userDataDir = filepath.Join(r.userDataBase, sessionID)
	}

	proc, err := r.launcher.Launch(ctx, port, browser.Profile{
		UserDataDir: userDataDir,
		ExtraArgs:   opts.ExtraArgs,
	})
	if err != nil {
		log.Error().Err(err).Msg("launch failed")
		r.unwind(rec, nil, nil)
		return nil, err
	}

	tail, err := r.attacher.Attach(ctx, port, cdp.AttachOptions{
		Sink: &countingSink{buf: buf, metrics: r.metrics},
		OnClosed: func(cause error) {
			// Runs on the tailer's read loop; teardown must not block it.
			go r.connectionLost(sessionID, cause)
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("attach failed")
		r.unwind(rec, proc, nil)
		return nil, err
	}

	r.mu.Lock()
	if rec.teardown {
		// A concurrent shutdown swept the starting record; finish the unwind
		// ourselves since the sweeper had no handles to work with.
		r.mu.Unlock()
		tail.Detach()
		_ = proc.Terminate(context.Background())
		r.releasePort(rec.port)
		return nil, ErrSessionNotFound
	}
	rec.proc = proc
	rec.tail = tail
	rec.status = StatusActive
	r.mu.Unlock()

	go r.watch(sessionID, proc)

	r.metrics.SessionsCreated.Inc()
	r.metrics.ActiveSessions.Inc()
	log.Info().Msg("session active")
	return r.Get(sessionID)
}

// Get returns the detail view of a session.
func (r *Registry) Get(sessionID string) (*Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r.detail(rec), nil
}

// List returns a point-in-time snapshot of all non-destroyed sessions,
// ordered by creation time.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, Summary{
			ID:        rec.id,
			Port:      rec.port,
			Status:    rec.status,
			CreatedAt: rec.createdAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Logs returns retained entries with sequence number greater than since, in
// ascending order. limit > 0 keeps only the newest limit of those.
func (r *Registry) Logs(sessionID string, since uint64, limit int) ([]logbuf.Entry, error) {
	r.mu.Lock()
	rec, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	entries := rec.logs.Since(since)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Delete tears the session down: detach tailer, terminate process, release
// port, remove the record. Logs are discarded with the record. A session
// already being torn down is handled idempotently.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if rec.teardown {
		// Crash handling or a concurrent delete already owns the teardown.
		// A crashed record is fully reclaimed, so deleting it just removes it.
		if rec.status == StatusCrashed {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		return nil
	}
	rec.teardown = true
	wasActive := rec.status == StatusActive
	starting := rec.status == StatusStarting
	rec.status = StatusTerminating
	proc, tail := rec.proc, rec.tail
	r.mu.Unlock()

	if starting && proc == nil {
		// A create is still in flight for this record; it owns the process
		// and the port lease and will unwind both when it sees the teardown
		// flag. Removing the record here is all that is left to do.
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil
	}

	if tail != nil {
		tail.Detach()
	}
	if proc != nil {
		_ = proc.Terminate(ctx)
	}
	r.releasePort(rec.port)

	r.mu.Lock()
	rec.status = StatusTerminated
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if wasActive {
		r.metrics.ActiveSessions.Dec()
	}
	r.logger.Info().Str("session", sessionID).Msg("session terminated")
	return nil
}

// Shutdown tears down every live session. Used on broker exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for sessionID := range r.sessions {
		ids = append(ids, sessionID)
	}
	r.mu.Unlock()

	for _, sessionID := range ids {
		if err := r.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Error().Err(err).Str("session", sessionID).Msg("shutdown teardown failed")
		}
	}
}

// watch waits for the supervisor's exit notification. An exit the registry
// did not ask for is a crash.
func (r *Registry) watch(sessionID string, proc ProcessHandle) {
	ev := <-proc.Exit()
	if ev.Reason == browser.ReasonTerminated {
		// Our own terminate call; the delete (or crash) path owns cleanup.
		return
	}
	r.crash(sessionID, fmt.Errorf("browser process exited: %v", ev.Err))
}

func (r *Registry) connectionLost(sessionID string, cause error) {
	r.crash(sessionID, fmt.Errorf("cdp connection lost: %v", cause))
}

// crash handles an unsolicited death: detach the tailer, make sure the
// process is gone, release the port, and mark the session crashed. The record
// and its logs stay readable until an operator deletes them. The teardown
// flag guarantees this never races a concurrent delete.
func (r *Registry) crash(sessionID string, cause error) {
	r.mu.Lock()
	rec, ok := r.sessions[sessionID]
	if !ok || rec.teardown {
		r.mu.Unlock()
		return
	}
	rec.teardown = true
	wasActive := rec.status == StatusActive
	starting := rec.status == StatusStarting
	proc, tail := rec.proc, rec.tail
	r.mu.Unlock()

	if tail != nil {
		tail.Detach()
	}
	if proc != nil {
		// Already exited when the supervisor reported the crash; for a lost
		// connection this reaps the still-running process so the port lease
		// can be released safely.
		_ = proc.Terminate(context.Background())
		r.releasePort(rec.port)
	} else if !starting {
		r.releasePort(rec.port)
	}
	// A starting record with no process yet belongs to an in-flight create,
	// which unwinds the port itself once it sees the teardown flag.

	r.mu.Lock()
	rec.status = StatusCrashed
	r.mu.Unlock()

	if wasActive {
		r.metrics.ActiveSessions.Dec()
	}
	r.metrics.SessionsCrashed.Inc()
	r.logger.Warn().Str("session", sessionID).Err(cause).Msg("session crashed")
}

// unwind reverses a partially completed create.
func (r *Registry) unwind(rec *record, proc ProcessHandle, tail TailerHandle) {
	if tail != nil {
		tail.Detach()
	}
	if proc != nil {
		_ = proc.Terminate(context.Background())
	}
	r.mu.Lock()
	delete(r.sessions, rec.id)
	r.mu.Unlock()
	r.releasePort(rec.port)
}

func (r *Registry) releasePort(port int) {
	r.ports.Release(port)
	r.metrics.PortsLeased.Set(float64(r.ports.Leased()))
}

// detail builds the external view; callers hold no guarantee about the lock,
// so it reads only immutable fields plus the status snapshot it is given.
func (r *Registry) detail(rec *record) *Detail {
	d := &Detail{
		ID:        rec.id,
		Port:      rec.port,
		Status:    rec.status,
		CreatedAt: rec.createdAt,
		CDPURL:    fmt.Sprintf("ws://%s:%d", r.cdpHost, rec.port),
		LastSeq:   rec.logs.LastSeq(),
	}
	if rec.proc != nil {
		d.PID = rec.proc.PID()
	}
	return d
}

// countingSink wraps a log buffer to keep the ingestion metric in step.
type countingSink struct {
	buf     *logbuf.Buffer
	metrics *observability.Metrics
}

func (s *countingSink) Append(category string, payload json.RawMessage) {
	s.buf.Append(category, payload)
	s.metrics.LogEntriesTotal.WithLabelValues(category).Inc()
}
