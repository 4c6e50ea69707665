package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/matgreaves/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrig/runner/internal/catalog"
	"github.com/wasmrig/runner/internal/sandbox"
	"github.com/wasmrig/runner/internal/state"
)

// failingEngine spawns a runner that never opens a listening port and runs
// until cancelled, so every readiness poll times out.
type failingEngine struct{ spawns int }

func (e *failingEngine) Spawn(p sandbox.SpawnParams) run.Runner {
	e.spawns++
	return run.Func(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
}

func TestBuildReplicaEnvInjectsCoordinationVars(t *testing.T) {
	env := buildReplicaEnv(15001, 2, 3)
	assert.Contains(t, env, "WR_RUNNER_PORT=15001")
	assert.Contains(t, env, "WR_RUNNER_INDEX=2")
	assert.Contains(t, env, "WR_RUNNER_INSTANCES=3")
}

func TestPollReadyTimesOutWhenNothingListens(t *testing.T) {
	err := pollReady(context.Background(), 1, 30*time.Millisecond)
	require.Error(t, err)
}

func TestReplicaQuarantinesAfterThreshold(t *testing.T) {
	c, err := catalog.Load("../../testdata")
	require.NoError(t, err)
	cs := state.NewCatalogState(c)

	engine := &failingEngine{}
	sup := &Supervisor{
		State:                 cs,
		Engine:                engine,
		QuarantineThreshold:   2,
		ReadyTimeout:          20 * time.Millisecond,
		RestartInitialBackoff: 5 * time.Millisecond,
		StartupCooldown:       5 * time.Millisecond,
	}

	desc, _ := cs.Descriptor("hello")
	launched := make(chan struct{})
	runner := sup.replicaRunner(desc, 0, nil, launched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = runner.Run(ctx)
	require.Error(t, err)

	replicas := cs.Replicas("hello")
	assert.True(t, replicas[0].Quarantined)
}
