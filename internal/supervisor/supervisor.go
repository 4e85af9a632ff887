// Package supervisor owns the gateway child process. It runs a small state
// machine (stopped, starting, ready, failed) behind a mutex and guarantees
// that any number of concurrent EnsureRunning callers collapse onto a single
// start attempt, so exactly one gateway is ever spawned. There is no
// background watchdog: a dead gateway is noticed when it exits and healed by
// the next request that needs it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/proc"
)

// State is the supervisor's view of the gateway.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Config describes how to spawn and probe the gateway child.
type Config struct {
	Bin          string
	Host         string
	Port         int
	Token        string
	StateDir     string
	WorkspaceDir string

	ReadyTimeout time.Duration
	PollInterval time.Duration
	Grace        time.Duration
}

// Status is a point-in-time snapshot for the health and setup surfaces.
type Status struct {
	State     State
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	LastError string
	LastExit  string
}

// startAttempt fans one start's outcome out to every waiter. The id, done
// channel, and cancel func are fixed at creation; err is written exactly once
// before done closes.
type startAttempt struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (a *startAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		// The caller gives up waiting; the attempt itself keeps going.
		return ctx.Err()
	}
}

type Supervisor struct {
	cfg     Config
	baseURL string
	logger  *slog.Logger
	bus     *bus.Bus
	client  *http.Client

	mu       sync.Mutex
	state    State
	handle   *proc.Handle
	attempt  *startAttempt
	lastErr  error
	lastExit *proc.ExitState
}

func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 45 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		baseURL: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger:  logger.With("component", "supervisor"),
		bus:     b,
		client:  &http.Client{Timeout: 2 * time.Second},
		state:   StateStopped,
	}
}

// EnsureRunning returns once the gateway is ready. Ready is a no-op; a start
// already in flight is joined; otherwise a fresh attempt is created. The
// caller's ctx only bounds its own wait, never the attempt.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateStarting:
		att := s.attempt
		s.mu.Unlock()
		return att.wait(ctx)
	}

	attCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	att := &startAttempt{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.attempt = att
	s.state = StateStarting
	s.mu.Unlock()

	go s.runAttempt(attCtx, att)
	return att.wait(ctx)
}

// Restart tears down the current child, if any, and goes through a fresh
// start. Used by the scheduled restart and the setup surface.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop(ctx)
	return s.EnsureRunning(ctx)
}

// Stop terminates the gateway and settles the state machine at stopped.
// In-flight start attempts are cancelled and drained until none remains: a
// fresh attempt can be created between one draining and the mutex being
// retaken, so the check repeats under the lock and the state only settles
// once no attempt exists. No child outlives a Stop.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	for s.attempt != nil {
		att := s.attempt
		s.mu.Unlock()
		att.cancel()
		<-att.done
		s.mu.Lock()
	}

	h := s.handle
	prev := s.state
	s.handle = nil
	s.state = StateStopped
	s.mu.Unlock()

	if h != nil {
		st := h.Terminate(ctx, s.cfg.Grace)
		s.mu.Lock()
		s.lastExit = &st
		s.mu.Unlock()
		s.logger.Info("gateway stopped", "pid", h.PID(), "exit", st.String())
		s.bus.Publish(bus.TopicGatewayStopped, bus.GatewayEvent{PID: h.PID(), Detail: st.String()})
	} else if prev != StateStopped {
		s.bus.Publish(bus.TopicGatewayStopped, bus.GatewayEvent{})
	}
}

// Status returns a snapshot for /health and the setup API.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.handle != nil {
		st.PID = s.handle.PID()
		st.StartedAt = s.handle.StartedAt()
		st.Uptime = time.Since(s.handle.StartedAt())
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.lastExit != nil {
		st.LastExit = s.lastExit.String()
	}
	return st
}

// Ready reports whether the gateway is currently serving.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

func (s *Supervisor) runAttempt(ctx context.Context, att *startAttempt) {
	defer att.cancel()

	logger := s.logger.With("attempt_id", att.id)
	logger.Info("starting gateway", "bin", s.cfg.Bin, "addr", s.baseURL)
	s.bus.Publish(bus.TopicGatewayStarting, bus.GatewayEvent{AttemptID: att.id})

	handle, err := proc.Start(s.spawnSpec())
	if err != nil {
		logger.Error("gateway spawn failed", "error", err)
		s.bus.Publish(bus.TopicGatewayStartFailed, bus.GatewayEvent{AttemptID: att.id, Detail: err.Error()})
		s.finishAttempt(att, nil, err)
		return
	}
	logger.Info("gateway spawned", "pid", handle.PID())

	if err := s.awaitReady(ctx, handle); err != nil {
		st := handle.Terminate(context.Background(), s.cfg.Grace)
		logger.Error("gateway failed to become ready", "error", err, "exit", st.String())
		s.bus.Publish(bus.TopicGatewayStartFailed, bus.GatewayEvent{AttemptID: att.id, PID: handle.PID(), Detail: err.Error()})
		s.finishAttempt(att, nil, err)
		return
	}

	logger.Info("gateway ready", "pid", handle.PID())
	s.bus.Publish(bus.TopicGatewayReady, bus.GatewayEvent{AttemptID: att.id, PID: handle.PID()})
	s.finishAttempt(att, handle, nil)
	go s.monitor(handle)
}

func (s *Supervisor) finishAttempt(att *startAttempt, h *proc.Handle, err error) {
	s.mu.Lock()
	if s.attempt == att {
		s.attempt = nil
	}
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		s.handle = nil
	} else {
		s.state = StateReady
		s.lastErr = nil
		s.handle = h
	}
	s.mu.Unlock()

	att.err = err
	close(att.done)
}

// monitor waits for the child to exit on its own. Handles replaced by a
// restart or cleared by Stop are stale and recorded by whoever replaced them.
func (s *Supervisor) monitor(h *proc.Handle) {
	<-h.Done()
	st := h.Exit()

	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.state = StateStopped
	s.lastExit = &st
	s.mu.Unlock()

	s.logger.Warn("gateway exited unexpectedly", "pid", h.PID(), "exit", st.String())
	s.bus.Publish(bus.TopicGatewayExited, bus.GatewayEvent{PID: h.PID(), Detail: st.String()})
}

func (s *Supervisor) awaitReady(ctx context.Context, handle *proc.Handle) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return errors.New("gateway start cancelled")
			}
			return fmt.Errorf("gateway not ready within %s", s.cfg.ReadyTimeout)
		case <-handle.Done():
			return fmt.Errorf("gateway exited during startup: %s", handle.Exit().String())
		case <-ticker.C:
			if s.probeOnce(ctx) {
				return nil
			}
		}
	}
}

// probeOnce counts any HTTP response as ready; an auth rejection still
// proves the listener is up.
func (s *Supervisor) probeOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (s *Supervisor) spawnSpec() proc.Spec {
	return proc.Spec{
		Path: s.cfg.Bin,
		Args: []string{
			"gateway", "run",
			"--bind", s.cfg.Host,
			"--port", strconv.Itoa(s.cfg.Port),
			"--auth", "token",
			"--token", s.cfg.Token,
		},
		Env: []string{
			"MOLTBOT_STATE_DIR=" + s.cfg.StateDir,
			"MOLTBOT_WORKSPACE_DIR=" + s.cfg.WorkspaceDir,
			"MOLTBOT_GATEWAY_TOKEN=" + s.cfg.Token,
		},
		Dir: s.cfg.WorkspaceDir,
	}
}
