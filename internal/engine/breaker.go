package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// BreakerState is the state of a per-operation circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // invocations pass through
	BreakerOpen                         // invocations fail fast
	BreakerHalfOpen                     // a limited number of trial invocations pass
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in traces and reports.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open after the last failure.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial invocations in flight while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStatus is a point-in-time view of one operation's breaker.
type BreakerStatus struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	Trips       int          `json:"trips"`
	Rejected    int          `json:"rejected"`
	LastFailure time.Time    `json:"last_failure,omitzero"`
}

// BreakerHook observes breaker state changes. It runs outside the breaker lock.
type BreakerHook func(operation string, from, to BreakerState)

type opBreaker struct {
	status BreakerStatus
	trials int
}

// Breakers keeps one circuit breaker per operation key so a failing downstream
// stops being hammered by every iterator item.
type Breakers struct {
	mu     sync.Mutex
	ops    map[string]*opBreaker
	cfg    BreakerConfig
	onMove BreakerHook
	now    func() time.Time
}

// NewBreakers creates a breaker set. onMove may be nil.
func NewBreakers(cfg BreakerConfig, onMove BreakerHook) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{
		ops:    make(map[string]*opBreaker),
		cfg:    cfg,
		onMove: onMove,
		now:    time.Now,
	}
}

type move struct {
	from, to BreakerState
}

// Call runs fn through the operation's breaker. While the breaker is open, or
// half-open with every trial slot taken, fn is not run and an
// OPERATION_UNAVAILABLE error is returned. OPERATION_UNAVAILABLE errors from
// fn count as neither success nor failure.
func (b *Breakers) Call(operation string, fn func() error) error {
	trial, mv, err := b.admit(operation)
	b.notify(operation, mv)
	if err != nil {
		return err
	}

	err = fn()
	b.notify(operation, b.settle(operation, trial, err))
	return err
}

func (b *Breakers) admit(operation string) (bool, *move, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob := b.entry(operation)
	var mv *move
	if ob.status.State == BreakerOpen {
		if wait := b.cfg.Cooldown - b.now().Sub(ob.status.LastFailure); wait > 0 {
			ob.status.Rejected++
			return false, nil, schema.NewErrorf(schema.ErrCodeOperationUnavailable,
				"operation %q is failing: %d consecutive failures", operation, ob.status.Failures).
				WithDetails(map[string]any{
					"operation":            operation,
					"consecutive_failures": ob.status.Failures,
					"cooldown_remaining":   wait.String(),
				})
		}
		mv = b.shift(ob, BreakerHalfOpen)
	}
	if ob.status.State != BreakerHalfOpen {
		return false, mv, nil
	}
	if ob.trials >= b.cfg.HalfOpenMax {
		ob.status.Rejected++
		return false, mv, schema.NewErrorf(schema.ErrCodeOperationUnavailable,
			"operation %q is recovering: %d trial invocations in flight", operation, ob.trials)
	}
	ob.trials++
	return true, mv, nil
}

func (b *Breakers) settle(operation string, trial bool, err error) *move {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob := b.entry(operation)
	if trial && ob.trials > 0 {
		ob.trials--
	}
	switch {
	case err == nil:
		ob.status.Failures = 0
		return b.shift(ob, BreakerClosed)
	case schema.IsCode(err, schema.ErrCodeOperationUnavailable):
		return nil
	}

	ob.status.Failures++
	ob.status.LastFailure = b.now()
	if ob.status.State == BreakerHalfOpen || ob.status.Failures >= b.cfg.FailureThreshold {
		return b.shift(ob, BreakerOpen)
	}
	return nil
}

// shift moves ob to state and returns the move, or nil when ob is already there.
func (b *Breakers) shift(ob *opBreaker, to BreakerState) *move {
	from := ob.status.State
	if from == to {
		return nil
	}
	ob.status.State = to
	if to == BreakerOpen {
		ob.status.Trips++
	}
	if to != BreakerHalfOpen {
		ob.trials = 0
	}
	return &move{from: from, to: to}
}

func (b *Breakers) notify(operation string, mv *move) {
	if mv != nil && b.onMove != nil {
		b.onMove(operation, mv.from, mv.to)
	}
}

// State returns the state the next invocation of operation would see.
func (b *Breakers) State(operation string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ob, ok := b.ops[operation]
	if !ok {
		return BreakerClosed
	}
	return b.view(ob).State
}

// Unhealthy returns the status of every breaker that is not closed, keyed by
// operation. The result is nil when all breakers are closed.
func (b *Breakers) Unhealthy() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out map[string]BreakerStatus
	for op, ob := range b.ops {
		st := b.view(ob)
		if st.State == BreakerClosed {
			continue
		}
		if out == nil {
			out = make(map[string]BreakerStatus)
		}
		out[op] = st
	}
	return out
}

// view reports an open breaker whose cooldown elapsed as half-open.
func (b *Breakers) view(ob *opBreaker) BreakerStatus {
	st := ob.status
	if st.State == BreakerOpen && b.now().Sub(st.LastFailure) >= b.cfg.Cooldown {
		st.State = BreakerHalfOpen
	}
	return st
}

func (b *Breakers) entry(operation string) *opBreaker {
	ob, ok := b.ops[operation]
	if !ok {
		ob = &opBreaker{}
		b.ops[operation] = ob
	}
	return ob
}
