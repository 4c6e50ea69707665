package state

import "time"

// HealthState is a replica's liveness classification.
type HealthState string

const (
	HealthUnknown HealthState = "Unknown"
	HealthOnline  HealthState = "Online"
	HealthOffline HealthState = "Offline"
)

// Replica is one running (or restarting) copy of a service.
type Replica struct {
	Index               int
	Port                int
	PID                 int
	LastExitReason      string
	HealthState         HealthState
	LastProbeAt         time.Time
	ConsecutiveFailures int
	Quarantined         bool
	RestartCount        int

	MemoryLimitBytes int64
	MemoryUsageBytes int64 // 0 when not yet sampled or unavailable
}
