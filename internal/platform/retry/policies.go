package retry

import "time"

// Startup retries connecting to backing services while they come up.
func Startup() Policy {
	return Policy{
		MaxAttempts:      6,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       8 * time.Second,
		RateLimitBackoff: 5 * time.Second,
	}
}

// Actuator retries a board signal that failed in transit. Signals of one
// session are sent in order, so the waits are kept short.
func Actuator() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialBackoff:   25 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
		RateLimitBackoff: 100 * time.Millisecond,
	}
}

// Lease retries a lease renewal before the holder gives up arbitration. The
// total wait must stay well below the lease TTL.
func Lease() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       time.Second,
		RateLimitBackoff: time.Second,
	}
}

// Always treats every error as transient.
func Always(error) Action { return Retry }
