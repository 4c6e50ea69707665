// Package supervisor launches and restarts one sandbox subprocess per
// replica, translating memory caps into WASM page counts and injecting the
// coordination environment variables every replica expects. It polls each
// replica's health endpoint until ready, restarts it with exponential
// backoff on exit, and quarantines it after too many consecutive failures.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/matgreaves/run"

	"github.com/wasmrig/runner/internal/catalog"
	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/sandbox"
	"github.com/wasmrig/runner/internal/state"
)

const (
	readyInitialInterval = 100 * time.Millisecond
	readyMaxInterval     = 2 * time.Second
	readyTimeout         = 30 * time.Second
	startupCooldown      = 5 * time.Second

	restartInitialBackoff = 1 * time.Second
	restartMaxBackoff     = 30 * time.Second
	onlineResetThreshold  = 60 * time.Second
)

// Supervisor maintains exactly ReplicaCount running sandbox processes for
// every enabled service. Each replica's process runs in its own goroutine
// while the supervisor polls its readiness; a readiness timeout kills the
// process, and a process that exits before it is ready is noticed when that
// poll times out. The restart loop repeats the whole thing.
type Supervisor struct {
	State               *state.CatalogState
	Log                 *state.EventLog
	Logs                *state.LogStore
	Logger              logging.Logger
	Engine              sandbox.Engine
	QuarantineThreshold int

	// ReadyTimeout overrides the default 30s readiness deadline; zero
	// keeps the default. Tests shorten this so a never-ready fake engine
	// doesn't make the suite slow.
	ReadyTimeout time.Duration
	// RestartInitialBackoff overrides the default 1s initial backoff.
	RestartInitialBackoff time.Duration
	// StartupCooldown overrides the default 5s post-timeout cooldown.
	StartupCooldown time.Duration
}

func (s *Supervisor) readyTimeout() time.Duration {
	if s.ReadyTimeout > 0 {
		return s.ReadyTimeout
	}
	return readyTimeout
}

func (s *Supervisor) restartInitialBackoff() time.Duration {
	if s.RestartInitialBackoff > 0 {
		return s.RestartInitialBackoff
	}
	return restartInitialBackoff
}

func (s *Supervisor) startupCooldown() time.Duration {
	if s.StartupCooldown > 0 {
		return s.StartupCooldown
	}
	return startupCooldown
}

// Runner returns a run.Runner launching every service's replicas.
// Replicas of different services run in parallel; replicas of the same
// service are staggered so their spawns don't race on shared artifacts.
func (s *Supervisor) Runner() run.Runner {
	group := make(run.Group)
	for _, name := range s.State.ServiceNames() {
		group[name] = s.serviceRunner(name)
	}
	return group
}

func (s *Supervisor) serviceRunner(service string) run.Runner {
	return run.Func(func(ctx context.Context) error {
		desc, ok := s.State.Descriptor(service)
		if !ok {
			return fmt.Errorf("supervisor: unknown service %q", service)
		}

		group := make(run.Group)
		var prevLaunched chan struct{}

		for i := 0; i < desc.ReplicaCount; i++ {
			launched := make(chan struct{})
			group[fmt.Sprintf("replica-%d", i)] = s.replicaRunner(desc, i, prevLaunched, launched)
			prevLaunched = launched
		}

		return group.Run(ctx)
	})
}

// replicaRunner returns a Runner for one replica slot. It waits for the
// previous replica of the same service to have launched (nil for index 0),
// then loops forever: spawn, wait for readiness or timeout, run until
// exit, apply restart backoff, repeat — until quarantined or cancelled.
// A replica counts as launched once its first readiness wait has ended.
func (s *Supervisor) replicaRunner(desc catalog.ServiceDescriptor, index int, waitFor <-chan struct{}, launched chan struct{}) run.Runner {
	return run.Func(func(ctx context.Context) error {
		var launchOnce sync.Once
		markLaunched := func() { launchOnce.Do(func() { close(launched) }) }
		defer markLaunched()

		if waitFor != nil {
			select {
			case <-waitFor:
			case <-ctx.Done():
				return nil
			}
		}

		backoff := s.restartInitialBackoff()
		consecutiveFailures := 0

		for {
			onlineSince, exitErr := s.runOnce(ctx, desc, index, markLaunched)

			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if onlineSince != nil && time.Since(*onlineSince) >= onlineResetThreshold {
				backoff = s.restartInitialBackoff()
				consecutiveFailures = 0
			} else {
				consecutiveFailures++
			}

			threshold := s.QuarantineThreshold
			if threshold <= 0 {
				threshold = 10
			}
			if consecutiveFailures >= threshold {
				s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
					r.HealthState = state.HealthOffline
					r.Quarantined = true
					r.LastExitReason = "quarantined"
				})
				if s.Log != nil {
					s.Log.Publish(state.Event{Type: state.EventReplicaQuarantined, Service: desc.Name, Replica: index})
				}
				return fmt.Errorf("service %q replica %d: quarantined after %d consecutive failures", desc.Name, index, consecutiveFailures)
			}

			reason := classifyExit(exitErr)
			s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
				r.LastExitReason = reason
				r.HealthState = state.HealthOffline
				r.RestartCount++
			})
			if s.Log != nil {
				s.Log.Publish(state.Event{Type: state.EventReplicaExited, Service: desc.Name, Replica: index, Error: reason})
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}

			backoff *= 2
			if backoff > restartMaxBackoff {
				backoff = restartMaxBackoff
			}
		}
	})
}

// runOnce spawns one replica, waits for it to become ready (or times out),
// then blocks until the process exits. It calls readyWaitDone as soon as
// the readiness wait ends, either way. It returns the time the replica
// became Online (nil if it never did) and the process's exit error.
func (s *Supervisor) runOnce(ctx context.Context, desc catalog.ServiceDescriptor, index int, readyWaitDone func()) (*time.Time, error) {
	port := desc.BasePort + index

	s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
		r.HealthState = state.HealthUnknown
		r.ConsecutiveFailures = 0
	})
	if s.Log != nil {
		s.Log.Publish(state.Event{Type: state.EventReplicaSpawning, Service: desc.Name, Replica: index})
	}

	env := buildReplicaEnv(port, index, desc.ReplicaCount)

	stdout := prefixedLogWriter{logger: s.Logger, logs: s.Logs, service: desc.Name, replica: index, stream: "stdout"}
	stderr := prefixedLogWriter{logger: s.Logger, logs: s.Logs, service: desc.Name, replica: index, stream: "stderr"}

	runner := s.Engine.Spawn(sandbox.SpawnParams{
		Name:       fmt.Sprintf("%s-%d", desc.Name, index),
		ModulePath: desc.ModulePath,
		PageLimit:  desc.PageLimit(),
		Env:        env,
		Stdout:     &stdout,
		Stderr:     &stderr,
		OnStart: func(pid int) {
			s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
				r.PID = pid
			})
		},
	})

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exitCh := make(chan error, 1)
	go func() { exitCh <- runner.Run(procCtx) }()

	readyErr := pollReady(procCtx, port, s.readyTimeout())
	readyWaitDone()
	if readyErr != nil {
		cancel()
		<-exitCh
		s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
			r.HealthState = state.HealthOffline
			r.LastExitReason = "StartupTimeout"
		})
		if s.Log != nil {
			s.Log.Publish(state.Event{Type: state.EventReplicaOffline, Service: desc.Name, Replica: index, Error: "StartupTimeout"})
		}
		select {
		case <-time.After(s.startupCooldown()):
		case <-ctx.Done():
		}
		return nil, fmt.Errorf("StartupTimeout: %w", readyErr)
	}

	onlineAt := time.Now()
	s.State.UpdateReplica(desc.Name, index, func(r *state.Replica) {
		r.HealthState = state.HealthOnline
		r.ConsecutiveFailures = 0
	})
	if s.Log != nil {
		s.Log.Publish(state.Event{Type: state.EventReplicaOnline, Service: desc.Name, Replica: index})
	}

	err := <-exitCh
	return &onlineAt, err
}

// classifyExit turns a replica's exit error into one of the three named
// supervisor error kinds: SpawnFailed (the runtime CLI never started),
// UnexpectedExit(code) (it ran and exited nonzero), or "exited" (clean
// exit, which still triggers a restart since a replica is expected to
// run forever).
func classifyExit(err error) string {
	if err == nil {
		return "exited"
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Sprintf("SpawnFailed: %v", execErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("UnexpectedExit(%d)", exitErr.ExitCode())
	}
	return err.Error()
}

// buildReplicaEnv builds the coordination variables every replica needs
// to receive: its listen port, its own index, and the total replica count.
func buildReplicaEnv(port, index, instances int) []string {
	return []string{
		fmt.Sprintf("WR_RUNNER_PORT=%d", port),
		fmt.Sprintf("WR_RUNNER_INDEX=%d", index),
		fmt.Sprintf("WR_RUNNER_INSTANCES=%d", instances),
	}
}

// pollReady polls http://127.0.0.1:<port>/health with exponential backoff
// (100ms initial, capped at 2s) until success or the given overall timeout.
func pollReady(ctx context.Context, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := readyInitialInterval
	client := &http.Client{Timeout: interval}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	var lastErr error
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
			lastErr = fmt.Errorf("health check returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness timed out (last error: %v)", lastErr)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > readyMaxInterval {
			interval = readyMaxInterval
		}
		client.Timeout = interval
	}
}

// prefixedLogWriter tees a replica's stdout/stderr into the structured
// logger and the log ring buffer, prefixed with the replica's identifier.
type prefixedLogWriter struct {
	mu      sync.Mutex
	logger  logging.Logger
	logs    *state.LogStore
	service string
	replica int
	stream  string
}

func (w *prefixedLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := string(bytes.TrimRight(p, "\n"))
	if w.logger != nil {
		w.logger.Debug(line,
			logging.String("service", w.service),
			logging.Int("replica", w.replica),
			logging.String("stream", w.stream),
		)
	}
	if w.logs != nil {
		w.logs.Append(w.service, w.replica, w.stream, line)
	}
	return len(p), nil
}
