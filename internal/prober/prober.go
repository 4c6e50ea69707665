// Package prober continuously checks each replica's /health endpoint and
// maintains its liveness classification with hysteresis, so a single
// flaky probe never flips the dashboard.
package prober

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matgreaves/run"

	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/state"
)

// offlineThreshold is the number of consecutive failed probes required to
// flip a replica from Online to Offline.
const offlineThreshold = 2

// Prober fires a fixed-interval liveness check against every replica of
// every service, independently, and samples each replica's memory usage
// on the same tick.
type Prober struct {
	State    *state.CatalogState
	Log      *state.EventLog
	Logger   logging.Logger
	Interval time.Duration
	Timeout  time.Duration
	client   *http.Client
}

// Runner returns a run.Runner probing every service's replicas in
// parallel, one independent clock per replica.
func (p *Prober) Runner() run.Runner {
	if p.client == nil {
		p.client = &http.Client{Timeout: p.Timeout}
	}

	group := make(run.Group)
	for _, name := range p.State.ServiceNames() {
		desc, _ := p.State.Descriptor(name)
		for i := 0; i < desc.ReplicaCount; i++ {
			key := fmt.Sprintf("%s-%d", name, i)
			group[key] = p.replicaRunner(name, i)
		}
	}
	return group
}

func (p *Prober) replicaRunner(service string, index int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		var inFlight int32

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !atomic.CompareAndSwapInt32(&inFlight, 0, 1) {
					continue // previous probe still outstanding, skip this tick
				}
				p.probeOnce(ctx, service, index)
				atomic.StoreInt32(&inFlight, 0)
			}
		}
	})
}

func (p *Prober) probeOnce(ctx context.Context, service string, index int) {
	replicas := p.State.Replicas(service)
	if index >= len(replicas) {
		return
	}
	port := replicas[index].Port

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	client := p.client
	if client == nil {
		client = &http.Client{Timeout: p.Timeout}
	}
	resp, err := client.Do(req)
	healthy := err == nil
	if err == nil {
		resp.Body.Close()
		healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	}

	pid := replicas[index].PID
	var rss int64
	var rssOK bool
	if pid > 0 {
		rss, rssOK = state.SampleRSS(pid)
	}

	p.State.UpdateReplica(service, index, func(r *state.Replica) {
		r.LastProbeAt = time.Now()
		if rssOK {
			r.MemoryUsageBytes = rss
		}
		if healthy {
			if r.HealthState != state.HealthOnline && p.Logger != nil {
				p.Logger.Info("replica online", logging.String("service", service), logging.Int("replica", index))
			}
			r.HealthState = state.HealthOnline
			r.ConsecutiveFailures = 0
			return
		}

		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= offlineThreshold && r.HealthState != state.HealthOffline {
			r.HealthState = state.HealthOffline
			if p.Logger != nil {
				p.Logger.Warn("replica offline", logging.String("service", service), logging.Int("replica", index))
			}
			if p.Log != nil {
				p.Log.Publish(state.Event{Type: state.EventReplicaOffline, Service: service, Replica: index})
			}
		}
	})
}
