package state

import (
	"sync"
	"sync/atomic"

	"github.com/wasmrig/runner/internal/catalog"
)

// serviceEntry holds one service's mutable runtime state. Per §5's
// fine-grained locking policy, mu guards the replica vector, the
// round-robin cursor is advanced atomically, and each schedule has its own
// lock so schedule firings never block on replica churn or on each other.
type serviceEntry struct {
	desc catalog.ServiceDescriptor

	mu       sync.RWMutex
	replicas []Replica
	cursor   uint64

	scheduleMus []sync.Mutex
	schedules   []ScheduleState
}

// CatalogState is the process-wide store of everything the loader's
// immutable catalog grows once services start running: replicas, schedule
// state, and the round-robin cursor used by the proxy and scheduler alike.
// The map itself is written only once, at construction; every later
// mutation happens through a service's own locks.
type CatalogState struct {
	services map[string]*serviceEntry
	order    []string
}

// NewCatalogState seeds one entry per enabled catalog service, with
// replicas in HealthUnknown and schedules unpaused at their configured
// interval.
func NewCatalogState(cat *catalog.Catalog) *CatalogState {
	cs := &CatalogState{services: make(map[string]*serviceEntry)}

	for _, desc := range cat.Services() {
		entry := &serviceEntry{desc: desc}

		entry.replicas = make([]Replica, desc.ReplicaCount)
		for i := range entry.replicas {
			entry.replicas[i] = Replica{
				Index:            i,
				Port:             desc.BasePort + i,
				HealthState:      HealthUnknown,
				MemoryLimitBytes: int64(desc.MemoryLimitMB) * 1024 * 1024,
			}
		}

		entry.schedules = make([]ScheduleState, len(desc.Schedules))
		entry.scheduleMus = make([]sync.Mutex, len(desc.Schedules))
		for i, sched := range desc.Schedules {
			entry.schedules[i] = ScheduleState{
				Endpoint:    sched.Endpoint,
				IntervalSec: sched.IntervalSec,
			}
		}

		cs.services[desc.Name] = entry
		cs.order = append(cs.order, desc.Name)
	}

	return cs
}

// ServiceNames returns enabled service names in stable order.
func (cs *CatalogState) ServiceNames() []string {
	out := make([]string, len(cs.order))
	copy(out, cs.order)
	return out
}

// Descriptor returns the immutable descriptor for a service.
func (cs *CatalogState) Descriptor(name string) (catalog.ServiceDescriptor, bool) {
	e, ok := cs.services[name]
	if !ok {
		return catalog.ServiceDescriptor{}, false
	}
	return e.desc, true
}

// ByPrefix finds the service descriptor routing on a given URL prefix.
func (cs *CatalogState) ByPrefix(prefix string) (catalog.ServiceDescriptor, bool) {
	for _, name := range cs.order {
		if cs.services[name].desc.Prefix == prefix {
			return cs.services[name].desc, true
		}
	}
	return catalog.ServiceDescriptor{}, false
}

// Replicas returns a snapshot of a service's replica vector.
func (cs *CatalogState) Replicas(name string) []Replica {
	e, ok := cs.services[name]
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Replica, len(e.replicas))
	copy(out, e.replicas)
	return out
}

// UpdateReplica applies fn to replica index of a service under the
// service's write lock. It is the only way replica fields are mutated,
// keeping the supervisor and prober's writes serialized per replica slot.
func (cs *CatalogState) UpdateReplica(name string, index int, fn func(*Replica)) bool {
	e, ok := cs.services[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.replicas) {
		return false
	}
	fn(&e.replicas[index])
	return true
}

// NextReplica selects the next replica for a service by round robin over
// the subset currently Online or Unknown. The cursor advances atomically on
// every call that finds at least one qualifying replica, so successive
// calls visit qualifying replicas in deterministic rotation.
func (cs *CatalogState) NextReplica(name string) (Replica, bool) {
	e, ok := cs.services[name]
	if !ok {
		return Replica{}, false
	}

	e.mu.RLock()
	eligible := make([]Replica, 0, len(e.replicas))
	for _, r := range e.replicas {
		if r.HealthState == HealthOnline || r.HealthState == HealthUnknown {
			eligible = append(eligible, r)
		}
	}
	e.mu.RUnlock()

	if len(eligible) == 0 {
		return Replica{}, false
	}

	n := atomic.AddUint64(&e.cursor, 1) - 1
	return eligible[n%uint64(len(eligible))], true
}

// Schedules returns a snapshot of a service's schedule states.
func (cs *CatalogState) Schedules(name string) []ScheduleState {
	e, ok := cs.services[name]
	if !ok {
		return nil
	}
	out := make([]ScheduleState, len(e.schedules))
	for i := range e.schedules {
		e.scheduleMus[i].Lock()
		out[i] = e.schedules[i]
		e.scheduleMus[i].Unlock()
	}
	return out
}

// Schedule returns a snapshot of a single schedule state.
func (cs *CatalogState) Schedule(name string, index int) (ScheduleState, bool) {
	e, ok := cs.services[name]
	if !ok || index < 0 || index >= len(e.schedules) {
		return ScheduleState{}, false
	}
	e.scheduleMus[index].Lock()
	defer e.scheduleMus[index].Unlock()
	return e.schedules[index], true
}

// UpdateSchedule applies fn to a service's schedule at index under that
// schedule's own lock. Returns false if the (service, index) pair doesn't
// exist.
func (cs *CatalogState) UpdateSchedule(name string, index int, fn func(*ScheduleState)) bool {
	e, ok := cs.services[name]
	if !ok || index < 0 || index >= len(e.schedules) {
		return false
	}
	e.scheduleMus[index].Lock()
	defer e.scheduleMus[index].Unlock()
	fn(&e.schedules[index])
	return true
}
