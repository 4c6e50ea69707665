package state

import "time"

// ScheduleState is the mutable runtime state of one declared webhook
// schedule. One instance exists per (service, schedule index).
type ScheduleState struct {
	Endpoint      string
	IntervalSec   int
	Paused        bool
	LastFiredAt   time.Time
	NextFireAt    time.Time
	LastStatus    string // decimal HTTP status code, or "error" when the route call failed (no error kind is recorded here)
	LastDurationMS int64
	RunCount      int64
	FailureCount  int64
	SkippedOverlap int64
}
