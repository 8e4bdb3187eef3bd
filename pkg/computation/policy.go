package computation

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is cross-cutting failure configuration attached to a topology
// deployment. Constructed once, immutable, shared by every computation in
// the topology, consulted on every processing failure.
type Policy struct {
	// MaxRetries is how many times a failing record is re-attempted after
	// the initial invocation. A record is therefore processed at most
	// MaxRetries+1 times.
	MaxRetries int

	// BackoffDelay is the initial delay between attempts.
	BackoffDelay time.Duration

	// BackoffMaxDelay caps the exponential backoff.
	BackoffMaxDelay time.Duration

	// ContinueOnFailure selects the terminal action once retries are
	// exhausted: skip the record and keep consuming (true), or stop the
	// computation and surface a fatal failure (false).
	ContinueOnFailure bool
}

// DefaultPolicy returns the stock policy: 3 retries, 1s initial backoff
// capped at 10s, stop on failure.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BackoffDelay:    time.Second,
		BackoffMaxDelay: 10 * time.Second,
	}
}

// newBackOff builds the attempt-capped exponential backoff for one record.
// Randomization is disabled so retry behavior is deterministic given the
// same policy and error kind.
func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffDelay
	b.MaxInterval = p.BackoffMaxDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
