// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package browser launches and supervises one isolated headless browser
// process per session, each bound to its own remote-debugging port.
package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var ErrLaunchFailed = errors.New("browser launch failed")

// Profile carries optional per-session launch configuration.
type Profile struct {
	UserDataDir string
	ExtraArgs   []string
}

type ExitReason string

const (
	// ReasonTerminated means the exit was requested through Terminate.
	ReasonTerminated ExitReason = "terminated"
	// ReasonCrashed means the process exited on its own.
	ReasonCrashed ExitReason = "crashed"
)

// ExitEvent is delivered exactly once per process, when it exits.
type ExitEvent struct {
	Reason ExitReason
	Err    error
}

// Supervisor launches browser processes and owns their termination policy.
type Supervisor struct {
	bin          string
	startupCheck time.Duration
	grace        time.Duration
	logger       zerolog.Logger
}

func NewSupervisor(bin string, startupCheck, grace time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		bin:          bin,
		startupCheck: startupCheck,
		grace:        grace,
		logger:       logger.With().Str("component", "supervisor").Logger(),
	}
}

// Launch starts one headless browser with remote debugging bound to port.
// It fails with ErrLaunchFailed if the binary cannot start or the process
// dies within the startup check window. The process is intentionally not tied
// to ctx: it must outlive the create request that spawned it.
func (s *Supervisor) Launch(ctx context.Context, port int, profile Profile) (*Process, error) {
	if _, err := exec.LookPath(s.bin); err != nil {
		return nil, fmt.Errorf("%w: missing %s binary", ErrLaunchFailed, s.bin)
	}

	args := []string{
		"--headless",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--remote-debugging-address=0.0.0.0",
		"--remote-debugging-port=" + strconv.Itoa(port),
	}
	if profile.UserDataDir != "" {
		args = append(args, "--user-data-dir="+profile.UserDataDir)
	}
	args = append(args, profile.ExtraArgs...)
	args = append(args, "about:blank")

	cmd := exec.Command(s.bin, args...)

	// Merge stdout+stderr into one pipe and log each line under the port, the
	// only stable identity the supervisor has for the process.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	pw.Close()

	p := &Process{
		cmd:    cmd,
		port:   port,
		grace:  s.grace,
		logger: s.logger,
		done:   make(chan struct{}),
		exit:   make(chan ExitEvent, 1),
	}

	go p.logOutput(pr)
	go p.wait()

	// A bad flag set or a broken install makes the browser exit almost
	// immediately; surface that as a launch failure instead of an active
	// session that crashes a moment later.
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: process exited during startup: %v", ErrLaunchFailed, p.waitErr)
	case <-time.After(s.startupCheck):
	case <-ctx.Done():
		_ = p.Terminate(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, ctx.Err())
	}

	s.logger.Info().Int("port", port).Int("pid", cmd.Process.Pid).Msg("browser started")
	return p, nil
}

// Process is the exclusively owned handle to one running browser. Only the
// session that created it may terminate it.
type Process struct {
	cmd    *exec.Cmd
	port   int
	grace  time.Duration
	logger zerolog.Logger

	mu          sync.Mutex
	terminating bool

	done    chan struct{} // closed once the process has exited
	waitErr error         // set before done closes
	exit    chan ExitEvent
}

func (p *Process) PID() int  { return p.cmd.Process.Pid }
func (p *Process) Port() int { return p.port }

// Exit returns a channel that delivers exactly one event when the process
// exits, tagged terminated if Terminate was called first, crashed otherwise.
func (p *Process) Exit() <-chan ExitEvent {
	return p.exit
}

// Terminate sends SIGTERM, waits up to the grace period, then force-kills.
// Calling it on an already-exited process is a no-op.
func (p *Process) Terminate(ctx context.Context) error {
	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone between the check and the signal.
		<-p.done
		return nil
	}

	select {
	case <-p.done:
	case <-time.After(p.grace):
		p.logger.Warn().Int("pid", p.PID()).Msg("grace period expired, killing browser")
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.waitErr = err
	close(p.done)

	p.mu.Lock()
	terminating := p.terminating
	p.mu.Unlock()

	reason := ReasonCrashed
	if terminating {
		reason = ReasonTerminated
	}
	p.logger.Info().Int("port", p.port).Str("reason", string(reason)).Msg("browser exited")
	p.exit <- ExitEvent{Reason: reason, Err: err}
}

func (p *Process) logOutput(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug().Int("port", p.port).Msg(scanner.Text())
	}
}
