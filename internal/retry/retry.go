// Package retry decides what happens to a command after a dispatch attempt:
// complete it, schedule another attempt, or give up. The backoff curve is
// exponential with a hard cap, delay(n) = min(base * 2^(n-1), cap) for the
// n-th retry.
package retry

import "time"

// Class sorts an execution outcome by what the controller may do about it.
type Class int

const (
	// Success: the remote site acknowledged the command.
	Success Class = iota
	// Retryable: transport error, timeout, or a server-side failure the
	// site may recover from.
	Retryable
	// Permanent: the site rejected the command; repeating it would fail
	// identically.
	Permanent
)

// Action is the scheduler's next move for a processing command.
type Action int

const (
	ActionComplete Action = iota
	ActionRequeue
	ActionFail
)

type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff before the attempt-th retry (1-based). The shift
// is guarded so absurd retry counts saturate at the cap instead of wrapping.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift >= 63 {
		return p.Cap
	}
	d := p.Base << shift
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// Decide maps an outcome class onto the command's next transition. For
// ActionRequeue the returned time is when the command becomes eligible
// again; for the other actions it is the zero value.
func (p Policy) Decide(now time.Time, class Class, retryCount, maxRetries int) (Action, time.Time) {
	switch class {
	case Success:
		return ActionComplete, time.Time{}
	case Permanent:
		return ActionFail, time.Time{}
	}

	if retryCount >= maxRetries {
		return ActionFail, time.Time{}
	}
	return ActionRequeue, now.Add(p.Delay(retryCount + 1))
}
