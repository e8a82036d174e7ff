// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package cdp tails the Chrome DevTools Protocol event stream of a running
// browser into a session's log sink. The tailer does not interpret payloads:
// it tags each event with a category derived from its method prefix and
// forwards it in receipt order.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrAttachFailed = errors.New("cdp attach failed")

// Event categories. Everything that is not network, page, or runtime traffic
// is filed under meta, including the tailer's own lifecycle markers.
const (
	CategoryNetwork = "network"
	CategoryPage    = "page"
	CategoryRuntime = "runtime"
	CategoryMeta    = "meta"
)

// DefaultDomains are the protocol domains enabled on attach.
var DefaultDomains = []string{"Network", "Page", "Runtime"}

// Sink receives forwarded events. Append must be safe for concurrent use.
type Sink interface {
	Append(category string, payload json.RawMessage)
}

// AttachOptions configure one tailer attachment.
type AttachOptions struct {
	// Domains to enable; DefaultDomains when empty.
	Domains []string
	Sink    Sink
	// OnClosed is invoked at most once if the connection drops before an
	// explicit Detach. It is never called after a clean Detach.
	OnClosed func(err error)
}

// Tailer dials browser debug endpoints and streams their events.
type Tailer struct {
	timeout time.Duration
	retries int
	backoff time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
}

func NewTailer(timeout time.Duration, retries int, backoff time.Duration, logger zerolog.Logger) *Tailer {
	return &Tailer{
		timeout: timeout,
		retries: retries,
		backoff: backoff,
		clock:   clock.New(),
		logger:  logger.With().Str("component", "tailer").Logger(),
	}
}

// Attach connects to the browser's debug endpoint on port, enables event
// delivery for the requested domains, and starts forwarding every received
// event to the sink in receipt order.
//
// The browser usually needs a moment after launch before the endpoint accepts
// connections, so Attach retries with exponential backoff (doubling from the
// configured base, capped at 2s per wait) before giving up with
// ErrAttachFailed.
func (t *Tailer) Attach(ctx context.Context, port int, opts AttachOptions) (*Session, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrAttachFailed)
	}
	domains := opts.Domains
	if len(domains) == 0 {
		domains = DefaultDomains
	}

	var conn *websocket.Conn
	var lastErr error
	backoff := t.backoff
	for attempt := 0; attempt < t.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-t.clock.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrAttachFailed, ctx.Err())
			}
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
		conn, lastErr = t.dial(ctx, port)
		if lastErr == nil {
			break
		}
		t.logger.Debug().Int("port", port).Int("attempt", attempt+1).Err(lastErr).Msg("attach attempt failed")
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrAttachFailed, port, lastErr)
	}

	s := &Session{
		conn:     conn,
		sink:     opts.Sink,
		onClosed: opts.OnClosed,
		logger:   t.logger.With().Int("port", port).Logger(),
		done:     make(chan struct{}),
	}

	if err := s.enable(domains, t.timeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: port %d: %v", ErrAttachFailed, port, err)
	}

	s.sink.Append(CategoryMeta, json.RawMessage(`{"method":"Tailer.attached"}`))
	go s.readLoop()
	return s, nil
}

// dial resolves the browser-level websocket URL via /json/version and opens
// the protocol connection.
func (t *Tailer) dial(ctx context.Context, port int) (*websocket.Conn, error) {
	httpClient := &http.Client{Timeout: t.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json/version", port), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no webSocketDebuggerUrl on port %d", port)
	}

	// The advertised URL names whatever host the browser thinks it has; the
	// tailer always talks to it over loopback.
	u, err := url.Parse(version.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("parse debugger url: %w", err)
	}
	u.Host = fmt.Sprintf("127.0.0.1:%d", port)

	dialer := websocket.Dialer{HandshakeTimeout: t.timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// Session is one live tailer attachment.
type Session struct {
	conn     *websocket.Conn
	sink     Sink
	onClosed func(error)
	logger   zerolog.Logger

	closeOnce sync.Once
	lostOnce  sync.Once
	mu        sync.Mutex
	detached  bool
	done      chan struct{}
}

// Detach closes the connection and stops forwarding. Safe to call more than
// once and on an already-dropped connection.
func (s *Session) Detach() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()
		s.conn.Close()
		<-s.done
	})
}

// enable issues <Domain>.enable for each domain and waits for every reply.
// Any event that arrives interleaved with the replies is forwarded
// immediately so receipt order is preserved.
func (s *Session) enable(domains []string, timeout time.Duration) error {
	pending := make(map[int64]string, len(domains))
	for i, domain := range domains {
		msgID := int64(i + 1)
		cmd := map[string]any{"id": msgID, "method": domain + ".enable"}
		if err := s.conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("enable %s: %w", domain, err)
		}
		pending[msgID] = domain
	}

	deadline := time.Now().Add(timeout)
	for len(pending) > 0 {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for enable replies: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Method != "" {
			s.forward(env.Method, raw)
			continue
		}
		if domain, ok := pending[env.ID]; ok {
			if env.Error != nil {
				return fmt.Errorf("enable %s refused: %s", domain, env.Error.Message)
			}
			delete(pending, env.ID)
		}
	}
	return s.conn.SetReadDeadline(time.Time{})
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			detached := s.detached
			s.mu.Unlock()
			if detached {
				return
			}
			// Lost the transport before an explicit detach: surface it to the
			// sink exactly once and stop. Reconnection is the registry's call.
			s.lostOnce.Do(func() {
				s.logger.Warn().Err(err).Msg("cdp connection lost")
				s.sink.Append(CategoryMeta, json.RawMessage(`{"method":"Tailer.connectionLost"}`))
				if s.onClosed != nil {
					s.onClosed(err)
				}
			})
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Method == "" {
			// Reply to a command, not an event.
			continue
		}
		s.forward(env.Method, raw)
	}
}

func (s *Session) forward(method string, raw json.RawMessage) {
	s.sink.Append(categoryFor(method), raw)
}

type envelope struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func categoryFor(method string) string {
	domain, _, _ := strings.Cut(method, ".")
	switch domain {
	case "Network":
		return CategoryNetwork
	case "Page":
		return CategoryPage
	case "Runtime":
		return CategoryRuntime
	default:
		return CategoryMeta
	}
}
