// Package scheduler fires each service's declared webhook schedules on
// their own clock, independent of every other schedule and of the replica
// lifecycle. Each schedule runs its own time.Timer so pause, resume and
// run-now never have to wait for a shared tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matgreaves/run"

	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/state"
)

// RouteFunc invokes a schedule's endpoint through the same routing and
// health-gating path an external HTTP request would take, without a real
// loopback round trip. internal/proxy supplies the concrete implementation
// at wiring time; tests supply a fake.
type RouteFunc func(ctx context.Context, prefix, remainder string) (status int, err error)

const requestTimeout = 5 * time.Second

// Scheduler runs one independent timer per (service, schedule index).
type Scheduler struct {
	State  *state.CatalogState
	Log    *state.EventLog
	Stats  *state.StatsStore
	Queues *state.QueueRegistry
	Logger logging.Logger
	Route  RouteFunc

	// RequestTimeout overrides the default 5s fire timeout.
	RequestTimeout time.Duration

	inFlight sync.Map // key "<service>/<index>" -> *int32
}

func (s *Scheduler) requestTimeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return requestTimeout
}

// Runner returns a run.Runner driving every enabled service's schedules in
// parallel.
func (s *Scheduler) Runner() run.Runner {
	group := make(run.Group)
	for _, name := range s.State.ServiceNames() {
		desc, _ := s.State.Descriptor(name)
		for i := range desc.Schedules {
			key := fmt.Sprintf("%s-%d", name, i)
			group[key] = s.scheduleRunner(name, i)
		}
	}
	if len(group) == 0 {
		return run.Idle
	}
	return group
}

func (s *Scheduler) scheduleRunner(service string, index int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		interval := s.intervalFor(service, index)
		next := time.Now().Add(interval)
		s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) { st.NextFireAt = next })

		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
				s.fire(ctx, service, index)

				interval = s.intervalFor(service, index)
				next = time.Now().Add(interval)
				s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) { st.NextFireAt = next })
				timer.Reset(time.Until(next))
			}
		}
	})
}

func (s *Scheduler) intervalFor(service string, index int) time.Duration {
	sched, ok := s.State.Schedule(service, index)
	if !ok || sched.IntervalSec <= 0 {
		return time.Second
	}
	return time.Duration(sched.IntervalSec) * time.Second
}

// fire runs one schedule invocation unless it is paused or another fire of
// the same schedule (a run-now overlapping a tick) is already in flight.
func (s *Scheduler) fire(ctx context.Context, service string, index int) {
	sched, ok := s.State.Schedule(service, index)
	if !ok || sched.Paused {
		return
	}

	flag := s.flightFlag(service, index)
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) { st.SkippedOverlap++ })
		return
	}
	defer atomic.StoreInt32(flag, 0)

	s.invoke(ctx, service, index, sched)
}

func (s *Scheduler) flightFlag(service string, index int) *int32 {
	key := fmt.Sprintf("%s/%d", service, index)
	v, _ := s.inFlight.LoadOrStore(key, new(int32))
	return v.(*int32)
}

func (s *Scheduler) invoke(ctx context.Context, service string, index int, sched state.ScheduleState) {
	desc, ok := s.State.Descriptor(service)
	if !ok {
		return
	}

	runID := uuid.NewString()
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout())
	defer cancel()

	start := time.Now()
	status, err := s.Route(reqCtx, desc.Prefix, sched.Endpoint)
	duration := time.Since(start)

	lastStatus := "error"
	if err == nil {
		lastStatus = fmt.Sprintf("%d", status)
		if s.Stats != nil {
			s.Stats.Record(service, sched.Endpoint, status, start)
		}
	}

	s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) {
		st.LastFiredAt = start
		st.LastStatus = lastStatus
		st.LastDurationMS = duration.Milliseconds()
		st.RunCount++
		if err != nil {
			st.FailureCount++
		}
	})

	if s.Queues != nil {
		s.Queues.PrepareDelivery(state.Topic(service, sched.Endpoint))
	}

	if s.Log != nil {
		event := state.Event{
			Type:     state.EventScheduleFired,
			Service:  service,
			Schedule: index,
			Status:   lastStatus,
		}
		if err != nil {
			event.Error = err.Error()
		}
		s.Log.Publish(event)
	}

	if s.Logger != nil {
		fields := []logging.Field{
			logging.String("service", service),
			logging.Int("schedule", index),
			logging.String("endpoint", sched.Endpoint),
			logging.String("run_id", runID),
			logging.Duration("duration", duration),
		}
		if err != nil {
			s.Logger.Warn("scheduled webhook failed", append(fields, logging.Error(err))...)
		} else {
			s.Logger.Debug("scheduled webhook fired", append(fields, logging.Int("status", status))...)
		}
	}
}

// Pause pauses a schedule. It reports ok=false if the schedule doesn't
// exist and changed=false if it was already paused, so callers (the
// dashboard's HTTP handler) can tell a no-op apart from a state change.
func (s *Scheduler) Pause(service string, index int) (changed, ok bool) {
	var wasPaused bool
	found := s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) {
		wasPaused = st.Paused
		st.Paused = true
	})
	if !found {
		return false, false
	}
	if !wasPaused && s.Log != nil {
		s.Log.Publish(state.Event{Type: state.EventSchedulePaused, Service: service, Schedule: index})
	}
	return !wasPaused, true
}

// Resume unpauses a schedule. The schedule's timer keeps ticking while it
// is paused, so the next fire comes at its next regular tick; ticks that
// fell inside the pause are not replayed.
func (s *Scheduler) Resume(service string, index int) (changed, ok bool) {
	var wasPaused bool
	found := s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) {
		wasPaused = st.Paused
		st.Paused = false
	})
	if !found {
		return false, false
	}
	if wasPaused && s.Log != nil {
		s.Log.Publish(state.Event{Type: state.EventScheduleResumed, Service: service, Schedule: index})
	}
	return wasPaused, true
}

// RunNow fires a schedule immediately, out of band with its timer. It
// reports ok=false only if the schedule doesn't exist. If a tick is
// already in flight for the same schedule, the request is counted as a
// skipped overlap rather than duplicated, but still reports success.
func (s *Scheduler) RunNow(ctx context.Context, service string, index int) bool {
	sched, ok := s.State.Schedule(service, index)
	if !ok {
		return false
	}

	flag := s.flightFlag(service, index)
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		s.State.UpdateSchedule(service, index, func(st *state.ScheduleState) { st.SkippedOverlap++ })
		return true
	}
	defer atomic.StoreInt32(flag, 0)

	s.invoke(ctx, service, index, sched)
	return true
}
