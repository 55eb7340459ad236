package metrics

import "time"

// Outcome classifies one completed request attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeStatusMismatch Outcome = "status_mismatch"
	OutcomeNetwork        Outcome = "network"
	OutcomeCapacity       Outcome = "capacity_exceeded"
	OutcomeUnknown        Outcome = "unknown"
)

// Sample is one completed request attempt. It is immutable once recorded
// and consumed exactly once by the collector.
type Sample struct {
	Endpoint string
	Category string
	UserID   string
	Region   string
	Start    time.Time
	Latency  time.Duration
	Status   int
	Outcome  Outcome
	Bytes    int64
}

// Failed reports whether the sample counts against the error rate.
func (s Sample) Failed() bool { return s.Outcome != OutcomeSuccess }
