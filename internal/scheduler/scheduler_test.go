package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrig/runner/internal/catalog"
	"github.com/wasmrig/runner/internal/state"
)

func loadTestState(t *testing.T) *state.CatalogState {
	t.Helper()
	c, err := catalog.Load("../../testdata")
	require.NoError(t, err)
	return state.NewCatalogState(c)
}

func TestScheduleRunnerFiresAndAdvancesRunCount(t *testing.T) {
	cs := loadTestState(t)
	cs.UpdateSchedule("hello", 0, func(st *state.ScheduleState) { st.IntervalSec = 1 })

	var fires int32
	sched := &Scheduler{
		State:          cs,
		Log:            state.NewEventLog(),
		Stats:          state.NewStatsStore(),
		Queues:         state.NewQueueRegistry(),
		RequestTimeout: 50 * time.Millisecond,
		Route: func(ctx context.Context, prefix, remainder string) (int, error) {
			atomic.AddInt32(&fires, 1)
			return 200, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	runner := sched.scheduleRunner("hello", 0)
	_ = runner.Run(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&fires), int32(1))

	st, ok := cs.Schedule("hello", 0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, st.RunCount, int64(1))
	assert.Equal(t, "200", st.LastStatus)
}

func TestPauseFreezesRunCount(t *testing.T) {
	cs := loadTestState(t)
	cs.UpdateSchedule("hello", 0, func(st *state.ScheduleState) { st.IntervalSec = 1 })

	sched := &Scheduler{
		State:          cs,
		RequestTimeout: 50 * time.Millisecond,
		Route: func(ctx context.Context, prefix, remainder string) (int, error) {
			return 200, nil
		},
	}

	changed, ok := sched.Pause("hello", 0)
	require.True(t, ok)
	assert.True(t, changed)

	changedAgain, ok := sched.Pause("hello", 0)
	require.True(t, ok)
	assert.False(t, changedAgain, "pausing an already-paused schedule is not a state change")

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	_ = sched.scheduleRunner("hello", 0).Run(ctx)

	st, _ := cs.Schedule("hello", 0)
	assert.Equal(t, int64(0), st.RunCount)
}

func TestResumeIsRejectedWhenAlreadyRunning(t *testing.T) {
	cs := loadTestState(t)
	sched := &Scheduler{State: cs}

	changed, ok := sched.Resume("hello", 0)
	require.True(t, ok)
	assert.False(t, changed, "resuming a schedule that isn't paused is not a state change")
}

func TestRunNowCountsOverlapButStillSucceeds(t *testing.T) {
	cs := loadTestState(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	sched := &Scheduler{
		State:          cs,
		RequestTimeout: time.Second,
		Route: func(ctx context.Context, prefix, remainder string) (int, error) {
			entered <- struct{}{}
			<-release
			return 200, nil
		},
	}

	go sched.RunNow(context.Background(), "hello", 0)
	<-entered

	ok := sched.RunNow(context.Background(), "hello", 0)
	assert.True(t, ok, "a run-now overlapping an in-flight fire is still accepted")

	close(release)

	st, _ := cs.Schedule("hello", 0)
	assert.Equal(t, int64(1), st.SkippedOverlap)
}

func TestUnknownScheduleReportedNotOK(t *testing.T) {
	cs := loadTestState(t)
	sched := &Scheduler{State: cs}

	_, ok := sched.Pause("hello", 99)
	assert.False(t, ok)

	_, ok = sched.Pause("does-not-exist", 0)
	assert.False(t, ok)
}
