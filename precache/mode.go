package precache

import "time"

// Mode selects how Get behaves on a miss or a stale entry.
type Mode struct {
	wait    bool
	timeout time.Duration
	ahead   time.Duration
	force   bool
}

// Preemptive callers fetch from the upstream themselves on a miss or a stale
// entry and always get the refreshed outcome.
func Preemptive() Mode {
	return Mode{}
}

// PreemptiveAhead is Preemptive, but entries that go stale within window are
// refreshed already.
func PreemptiveAhead(window time.Duration) Mode {
	return Mode{ahead: max(window, 0)}
}

// Wait callers never fetch. They get whatever the store holds, stale or not,
// and on a miss wait up to timeout for another actor to populate the key. A
// timeout <= 0 uses the cache's configured WaitTimeout.
func Wait(timeout time.Duration) Mode {
	return Mode{wait: true, timeout: timeout}
}

func (m Mode) String() string {
	switch {
	case m.wait:
		return "wait"
	case m.force:
		return "refresh"
	case m.ahead > 0:
		return "preemptive-ahead"
	default:
		return "preemptive"
	}
}
