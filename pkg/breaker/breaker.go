package breaker

// A three-state circuit breaker shared per endpoint base URL. Breakers count
// network-layer failures (connection errors, timeouts, exhausted retries);
// application-level JSON-RPC errors arrive over a healthy transport and are
// not failures.

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

const (
	DefaultThreshold = 5
	DefaultTimeout   = 30 * time.Second
)

/*
Breaker gates attempts against a single endpoint. All transitions happen
under the breaker's own mutex, so reads may lag but never observe a torn
record.
*/
type Breaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	state            State
	failures         int
	openedAt         time.Time
	halfOpenInFlight bool

	now func() time.Time
}

func New(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

/*
CanAttempt reports whether a call may proceed. While OPEN it denies until
the cooldown elapses, then moves to HALF_OPEN and admits exactly one probe;
further probes are denied until the in-flight one resolves.
*/
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInFlight = true
		log.Debug("circuit breaker half-open", "failures", b.failures)
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		log.Info("circuit breaker closed after successful probe")
	}
	b.state = Closed
	b.failures = 0
	b.halfOpenInFlight = false
}

// RecordFailure increments the consecutive failure count. Reaching the
// threshold, or failing a half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.halfOpenInFlight = false
		log.Warn("circuit breaker re-opened after failed probe", "failures", b.failures)
	case Closed:
		if b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
			log.Warn("circuit breaker opened", "failures", b.failures)
		}
	}
}

// CurrentState returns the breaker state without mutating it.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
