// Package sandbox invokes the external WASM runtime CLI that hosts one
// compiled service replica. The concrete engine command differs across
// WASI Preview 1 runtimes, so callers depend only on the Engine interface;
// a single concrete implementation knows the actual flags.
package sandbox

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/matgreaves/run"
)

// SpawnParams describes one replica to launch.
type SpawnParams struct {
	Name       string // for logging/process naming, "<service>-<index>"
	ModulePath string
	PageLimit  int // 0 means no cap
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer

	// OnStart, if set, is called once with the OS process ID after the
	// subprocess starts. Used to feed the replica's memory-usage sampling.
	OnStart func(pid int)
}

// Engine knows how to turn SpawnParams into a runnable subprocess.
type Engine interface {
	Spawn(p SpawnParams) run.Runner
}

// CLIEngine invokes a WASI Preview 1 runtime's own command-line binary.
// The runtime binary and its memory-pages flag name are the only
// engine-specific knowledge in the runner.
type CLIEngine struct {
	// BinaryPath is the runtime CLI executable, e.g. "wasmtime" or
	// "wasmer". Defaults to "wasmtime" if empty.
	BinaryPath string

	// PagesFlag is the CLI flag that sets the linear memory page cap,
	// e.g. "--max-wasm-stack-pages" style flags vary by engine. Defaults
	// to "--max-memory-pages".
	PagesFlag string
}

func (e CLIEngine) binary() string {
	if e.BinaryPath != "" {
		return e.BinaryPath
	}
	return "wasmtime"
}

func (e CLIEngine) pagesFlag() string {
	if e.PagesFlag != "" {
		return e.PagesFlag
	}
	return "--max-memory-pages"
}

// Spawn execs the engine CLI against the module, translating PageLimit
// into the engine's own flag when set. It runs the subprocess itself
// rather than returning a bare run.Process so it can report the started
// pid through p.OnStart before waiting on exit. Context cancellation sends
// the child SIGTERM and kills it if it is still running 5s later; Run
// blocks until exit and returns the exit error.
func (e CLIEngine) Spawn(p SpawnParams) run.Runner {
	args := []string{"run"}
	if p.PageLimit > 0 {
		args = append(args, e.pagesFlag(), strconv.Itoa(p.PageLimit))
	}
	args = append(args, p.ModulePath)

	return run.Func(func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, e.binary(), args...)
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = 5 * time.Second
		cmd.Env = p.Env
		cmd.Stdout = p.Stdout
		cmd.Stderr = p.Stderr

		if err := cmd.Start(); err != nil {
			return err
		}
		if p.OnStart != nil {
			p.OnStart(cmd.Process.Pid)
		}
		return cmd.Wait()
	})
}
