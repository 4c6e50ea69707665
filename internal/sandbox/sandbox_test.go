package sandbox

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIEngineTranslatesPageLimit(t *testing.T) {
	e := CLIEngine{BinaryPath: "/bin/echo", PagesFlag: "--max-memory-pages"}

	pidCh := make(chan int, 1)
	var out bytes.Buffer
	runner := e.Spawn(SpawnParams{
		Name:       "hello-0",
		ModulePath: "/services/hello/hello.wasm",
		PageLimit:  1600,
		Stdout:     &out,
		OnStart:    func(pid int) { pidCh <- pid },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, "run --max-memory-pages 1600 /services/hello/hello.wasm\n", out.String())

	select {
	case pid := <-pidCh:
		assert.Greater(t, pid, 0)
	default:
		t.Fatal("OnStart was never called")
	}
}

func TestCLIEngineOmitsPagesFlagWhenUnset(t *testing.T) {
	e := CLIEngine{BinaryPath: "/bin/echo"}
	var out bytes.Buffer
	runner := e.Spawn(SpawnParams{Name: "bye-0", ModulePath: "/services/bye/bye.wasm", Stdout: &out})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, runner.Run(ctx))
	assert.Equal(t, "run /services/bye/bye.wasm\n", out.String())
}

func TestCLIEngineDefaultsBinaryToWasmtime(t *testing.T) {
	e := CLIEngine{}
	assert.Equal(t, "wasmtime", e.binary())
	assert.Equal(t, "--max-memory-pages", e.pagesFlag())
}
