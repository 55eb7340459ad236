package vuser

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// Lifecycle states of a virtual user.
type State int32

const (
	StateIdle State = iota
	StateThinking
	StateRequesting
	StateProcessing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateRequesting:
		return "requesting"
	case StateProcessing:
		return "processing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// VirtualUser is one simulated actor. It is owned by the scheduler for
// its active lifetime; nothing else mutates it.
type VirtualUser struct {
	ID      string
	Region  string
	Device  string
	Network string

	ThinkMin        time.Duration
	ThinkMax        time.Duration
	SessionDuration time.Duration

	// Rand is private to this user, derived from the factory seed, so the
	// behavior loop is deterministic and needs no locking.
	Rand *rand.Rand

	StartedAt    time.Time
	Requests     uint64
	lastActivity atomic.Int64
	state        atomic.Int32
}

// SetState transitions the user's lifecycle state.
func (u *VirtualUser) SetState(s State) {
	u.state.Store(int32(s))
	u.lastActivity.Store(time.Now().UnixNano())
}

// State returns the current lifecycle state.
func (u *VirtualUser) State() State { return State(u.state.Load()) }

// LastActivity returns the time of the last state change.
func (u *VirtualUser) LastActivity() time.Time {
	return time.Unix(0, u.lastActivity.Load())
}

// ThinkTime draws one think-time wait from the configured range.
func (u *VirtualUser) ThinkTime() time.Duration {
	if u.ThinkMax <= u.ThinkMin {
		return u.ThinkMin
	}
	return u.ThinkMin + time.Duration(u.Rand.Int63n(int64(u.ThinkMax-u.ThinkMin)))
}

// SessionExpired reports whether the user's planned session has elapsed.
func (u *VirtualUser) SessionExpired() bool {
	return !u.StartedAt.IsZero() && time.Since(u.StartedAt) >= u.SessionDuration
}
