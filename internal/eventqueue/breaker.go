package eventqueue

import (
	"context"
	"sync"
	"time"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/config"
)

// BreakerState is one of the three states in §4.E's circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker guards calls to a single downstream dependency (the external
// model, the store) the way the teacher's resty client guards the RAG
// service with retries, generalized here into a stateful breaker since the
// event workers need to short-circuit entirely once a dependency is down
// rather than keep retrying.
type Breaker struct {
	mu sync.Mutex

	threshold   int
	openFor     time.Duration
	callTimeout time.Duration

	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	halfOpenInUse   bool
}

func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		threshold:   cfg.Threshold,
		openFor:     time.Duration(cfg.OpenSeconds) * time.Second,
		callTimeout: cfg.CallTimeout,
		state:       StateClosed,
	}
}

// Allow reports whether a call may proceed right now, transitioning OPEN to
// HALF_OPEN once openFor has elapsed. Only one probe is allowed through a
// HALF_OPEN breaker at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.openFor {
			b.state = StateHalfOpen
			b.halfOpenInUse = false
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default:
		return true
	}
}

// Call runs fn through the breaker, recording success/failure and enforcing
// the call timeout. Returns BreakerOpen immediately if the breaker is not
// currently admitting calls.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return apperr.New(apperr.ErrBreakerOpen, "circuit breaker open")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		b.recordSuccess()
		return nil
	}

	if callCtx.Err() != nil {
		b.recordFailure()
		return apperr.Wrap(callCtx.Err(), apperr.ErrCallTimeout)
	}
	b.recordFailure()
	return err
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = StateClosed
	b.halfOpenInUse = false
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.halfOpenInUse = false
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.threshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State reports the current breaker state, for admin/health reporting.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
