// Package dashboard serves the operator-facing HTTP surface: a JSON state
// snapshot, stats/queue/log read endpoints, a polling HTML page, and the
// schedule pause/resume/run-now mutations.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/state"
)

// ScheduleController is the subset of *scheduler.Scheduler the dashboard
// drives. Declared here rather than imported so this package never depends
// on internal/scheduler.
type ScheduleController interface {
	Pause(service string, index int) (changed, ok bool)
	Resume(service string, index int) (changed, ok bool)
	RunNow(ctx context.Context, service string, index int) bool
}

// Dashboard exposes the fleet's runtime state over HTTP.
type Dashboard struct {
	State  *state.CatalogState
	Log    *state.EventLog
	Stats  *state.StatsStore
	Queues *state.QueueRegistry
	Logs   *state.LogStore
	Ctrl   ScheduleController
	Logger logging.Logger
}

// Handler builds the chi mux for every dashboard route.
func (d *Dashboard) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/", d.handleIndex)
	r.Get("/state", d.handleState)
	r.Get("/stats", d.handleStats)
	r.Get("/queues", d.handleQueues)
	r.Get("/logs/{service}", d.handleLogs)
	r.Get("/events", d.handleEvents)

	r.Post("/schedules/{service}/{index}/pause", d.handleSchedulePause)
	r.Post("/schedules/{service}/{index}/resume", d.handleScheduleResume)
	r.Post("/schedules/{service}/{index}/run", d.handleScheduleRun)

	return r
}

// ServiceState is one service's JSON state entry.
type ServiceState struct {
	Name      string                `json:"name"`
	Prefix    string                `json:"prefix"`
	Domain    string                `json:"domain"`
	Type      string                `json:"type"`
	Replicas  []state.Replica       `json:"replicas"`
	Schedules []state.ScheduleState `json:"schedules"`
}

// StateSnapshot is the GET /dashboard/state payload.
type StateSnapshot struct {
	GeneratedAt int64          `json:"generated_at"`
	Services    []ServiceState `json:"services"`
}

func (d *Dashboard) handleState(w http.ResponseWriter, r *http.Request) {
	names := d.State.ServiceNames()
	services := make([]ServiceState, 0, len(names))
	for _, name := range names {
		desc, ok := d.State.Descriptor(name)
		if !ok {
			continue
		}
		services = append(services, ServiceState{
			Name:      desc.Name,
			Prefix:    desc.Prefix,
			Domain:    desc.Domain,
			Type:      string(desc.Type),
			Replicas:  d.State.Replicas(name),
			Schedules: d.State.Schedules(name),
		})
	}

	writeJSON(w, http.StatusOK, StateSnapshot{
		GeneratedAt: time.Now().Unix(),
		Services:    services,
	})
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	if d.Stats == nil {
		writeJSON(w, http.StatusOK, state.StatsSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, d.Stats.Snapshot(time.Now()))
}

func (d *Dashboard) handleQueues(w http.ResponseWriter, r *http.Request) {
	if d.Queues == nil {
		writeJSON(w, http.StatusOK, []state.QueueSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, d.Queues.Snapshot())
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if d.Logs == nil {
		writeJSON(w, http.StatusOK, []state.LogLine{})
		return
	}
	writeJSON(w, http.StatusOK, d.Logs.Lines(service))
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	if d.Log == nil {
		writeJSON(w, http.StatusOK, []state.Event{})
		return
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	writeJSON(w, http.StatusOK, d.Log.Since(since))
}

func (d *Dashboard) handleSchedulePause(w http.ResponseWriter, r *http.Request) {
	d.mutateSchedule(w, r, func(service string, index int) (changed, ok bool) {
		return d.Ctrl.Pause(service, index)
	})
}

func (d *Dashboard) handleScheduleResume(w http.ResponseWriter, r *http.Request) {
	d.mutateSchedule(w, r, func(service string, index int) (changed, ok bool) {
		return d.Ctrl.Resume(service, index)
	})
}

func (d *Dashboard) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	service, index, ok := parseScheduleParams(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service or schedule index")
		return
	}
	if d.Ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not wired")
		return
	}
	if !d.Ctrl.RunNow(r.Context(), service, index) {
		writeError(w, http.StatusNotFound, "unknown service or schedule index")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) mutateSchedule(w http.ResponseWriter, r *http.Request, mutate func(string, int) (bool, bool)) {
	if d.Ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not wired")
		return
	}
	service, index, ok := parseScheduleParams(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service or schedule index")
		return
	}
	changed, found := mutate(service, index)
	if !found {
		writeError(w, http.StatusNotFound, "unknown service or schedule index")
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "schedule is already in the requested state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseScheduleParams(r *http.Request) (service string, index int, ok bool) {
	service = chi.URLParam(r, "service")
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || service == "" {
		return "", 0, false
	}
	return service, idx, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
