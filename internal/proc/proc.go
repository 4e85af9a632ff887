// Package proc wraps child process execution for the wrapper: one-shot runs
// with combined output for the agent CLI, and long-lived handles for the
// gateway child. Children inherit the wrapper's stdout and stderr so their
// output lands in the platform log stream without any pipe plumbing.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
)

// Spec describes a child process to launch.
type Spec struct {
	Path string
	Args []string
	// Env entries are appended to the wrapper's own environment.
	Env []string
	Dir string
}

// Result is the outcome of a run-to-completion child.
type Result struct {
	// Output is combined stdout and stderr, verbatim.
	Output   string
	ExitCode int
}

// Run executes the child to completion and captures combined output. A
// non-zero exit is reported through Result, not through the error: callers
// surface tool output to the operator either way. The error is reserved for
// spawn failures and context expiry.
func Run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir

	out, err := cmd.CombinedOutput()
	res := Result{Output: string(out)}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", filepath.Base(spec.Path), ctx.Err())
	}
	return res, fmt.Errorf("run %s: %w", filepath.Base(spec.Path), err)
}

// ExitState records how a long-lived child went away.
type ExitState struct {
	// Code is the exit code, or -1 when the child was signaled.
	Code int
	// Err is set when the child could not be reaped cleanly.
	Err error
	At  time.Time
}

func (s ExitState) String() string {
	if s.Err != nil {
		return fmt.Sprintf("reap error: %v", s.Err)
	}
	if s.Code == -1 {
		return "signaled"
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Handle is a running child owned by exactly one supervisor. The exit state
// is written once by the reaper goroutine before done closes; reading it
// after Done is safe from any goroutine.
type Handle struct {
	cmd     *exec.Cmd
	started time.Time

	done   chan struct{}
	exit   ExitState
	killed atomic.Bool
}

// Start launches the child without waiting for it. The returned handle reaps
// it in the background.
func Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(spec.Path), err)
	}

	h := &Handle{
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	st := ExitState{At: time.Now(), Code: -1}
	switch {
	case err == nil:
		st.Code = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			st.Code = exitErr.ExitCode()
		} else {
			st.Err = err
		}
	}
	h.exit = st
	close(h.done)
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time {
	return h.started
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit state. Valid only after Done is closed.
func (h *Handle) Exit() ExitState {
	return h.exit
}

// Alive reports whether the child is still running, using the null signal.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// WasKilled reports whether Terminate had to escalate to SIGKILL.
func (h *Handle) WasKilled() bool {
	return h.killed.Load()
}

// Terminate asks the child to exit with SIGTERM, waits up to grace, then
// escalates to SIGKILL. It always returns a settled exit state.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) ExitState {
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.kill()
	case <-ctx.Done():
		h.kill()
	}
	return h.exit
}

func (h *Handle) kill() {
	h.killed.Store(true)
	_ = h.cmd.Process.Kill()
	<-h.done
}
