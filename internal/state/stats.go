package state

import (
	"sort"
	"sync"
	"time"
)

// statsRetentionMinutes bounds the ring StatsStore keeps per endpoint.
const statsRetentionMinutes = 60

// StatsStore tracks per-minute HTTP status code counts, per service and
// endpoint, retaining the most recent 60 minutes. This is pure
// observability: it never gates or alters a request.
type StatsStore struct {
	mu   sync.Mutex
	data map[string]map[string]map[int64]map[int]int // service -> endpoint -> minute -> status -> count
}

func NewStatsStore() *StatsStore {
	return &StatsStore{data: make(map[string]map[string]map[int64]map[int]int)}
}

// Record logs one observed status code for (service, endpoint) at now.
func (s *StatsStore) Record(service, endpoint string, status int, now time.Time) {
	minute := now.Unix() / 60

	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.data[service]
	if !ok {
		svc = make(map[string]map[int64]map[int]int)
		s.data[service] = svc
	}
	ep, ok := svc[endpoint]
	if !ok {
		ep = make(map[int64]map[int]int)
		svc[endpoint] = ep
	}
	bucket, ok := ep[minute]
	if !ok {
		bucket = make(map[int]int)
		ep[minute] = bucket
	}
	bucket[status]++

	cutoff := minute - (statsRetentionMinutes - 1)
	for m := range ep {
		if m < cutoff {
			delete(ep, m)
		}
	}
}

// MinuteAggregate is one minute's status-code histogram.
type MinuteAggregate struct {
	Minute int64         `json:"minute"`
	Counts map[int]int   `json:"counts"`
}

// EndpointSnapshot is one endpoint's retained minute buckets, oldest first.
type EndpointSnapshot struct {
	Endpoint string            `json:"endpoint"`
	Minutes  []MinuteAggregate `json:"minutes"`
}

// ServiceSnapshot groups endpoint snapshots for one service.
type ServiceSnapshot struct {
	Service   string             `json:"service"`
	Endpoints []EndpointSnapshot `json:"endpoints"`
}

// StatsSnapshot is the full GET /dashboard/stats payload.
type StatsSnapshot struct {
	GeneratedAt   int64             `json:"generated_at"`
	WindowMinutes int               `json:"window_minutes"`
	Global        []MinuteAggregate `json:"global"`
	Services      []ServiceSnapshot `json:"services"`
}

// Snapshot builds a deterministic, sorted view of everything retained.
func (s *StatsStore) Snapshot(now time.Time) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	globalByMinute := make(map[int64]map[int]int)
	var services []ServiceSnapshot

	serviceNames := make([]string, 0, len(s.data))
	for name := range s.data {
		serviceNames = append(serviceNames, name)
	}
	sort.Strings(serviceNames)

	for _, name := range serviceNames {
		endpoints := s.data[name]
		endpointNames := make([]string, 0, len(endpoints))
		for e := range endpoints {
			endpointNames = append(endpointNames, e)
		}
		sort.Strings(endpointNames)

		var endpointSnapshots []EndpointSnapshot
		for _, epName := range endpointNames {
			minutes := endpoints[epName]
			minuteKeys := make([]int64, 0, len(minutes))
			for m := range minutes {
				minuteKeys = append(minuteKeys, m)
			}
			sort.Slice(minuteKeys, func(i, j int) bool { return minuteKeys[i] < minuteKeys[j] })

			var minuteSnapshots []MinuteAggregate
			for _, m := range minuteKeys {
				counts := minutes[m]
				out := make(map[int]int, len(counts))
				g, ok := globalByMinute[m]
				if !ok {
					g = make(map[int]int)
					globalByMinute[m] = g
				}
				for status, count := range counts {
					out[status] = count
					g[status] += count
				}
				minuteSnapshots = append(minuteSnapshots, MinuteAggregate{Minute: m, Counts: out})
			}

			if len(minuteSnapshots) > 0 {
				endpointSnapshots = append(endpointSnapshots, EndpointSnapshot{Endpoint: epName, Minutes: minuteSnapshots})
			}
		}

		if len(endpointSnapshots) > 0 {
			services = append(services, ServiceSnapshot{Service: name, Endpoints: endpointSnapshots})
		}
	}

	globalMinuteKeys := make([]int64, 0, len(globalByMinute))
	for m := range globalByMinute {
		globalMinuteKeys = append(globalMinuteKeys, m)
	}
	sort.Slice(globalMinuteKeys, func(i, j int) bool { return globalMinuteKeys[i] < globalMinuteKeys[j] })

	global := make([]MinuteAggregate, 0, len(globalMinuteKeys))
	for _, m := range globalMinuteKeys {
		global = append(global, MinuteAggregate{Minute: m, Counts: globalByMinute[m]})
	}

	return StatsSnapshot{
		GeneratedAt:   now.Unix(),
		WindowMinutes: statsRetentionMinutes,
		Global:        global,
		Services:      services,
	}
}
