package session

import "time"

// Verdict is the outcome of a heartbeat check.
type Verdict uint8

const (
	// Probe means the peer is live and should be pinged again.
	Probe Verdict = iota
	// Stale means nothing has been heard from the peer within the timeout.
	Stale
)

func (v Verdict) String() string {
	if v == Stale {
		return "stale"
	}
	return "probe"
}

// Supervisor tracks the liveness of a peer against a staleness bound.
//
// A Supervisor is owned by a single session loop and is not safe for
// concurrent use.
type Supervisor struct {
	timeout time.Duration
	now     func() time.Time
	last    time.Time
}

// NewSupervisor returns a Supervisor whose liveness clock starts now. A nil
// now uses time.Now.
func NewSupervisor(timeout time.Duration, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	return &Supervisor{timeout: timeout, now: now, last: now()}
}

// Touch records that the peer was heard from.
func (s *Supervisor) Touch() {
	s.last = s.now()
}

// Check reports Stale when strictly more than the timeout has elapsed since
// the last Touch.
func (s *Supervisor) Check() Verdict {
	if s.now().Sub(s.last) > s.timeout {
		return Stale
	}
	return Probe
}

// LastLiveness returns the time of the last Touch, or of construction.
func (s *Supervisor) LastLiveness() time.Time {
	return s.last
}
