// Package circuit implements the per-position quarantine breaker: a
// closed/open/half-open state machine tripped by consecutive structural
// errors rather than P&L, adapted from the teacher's loss-based
// CircuitBreaker to the "five consecutive structural errors" rule of
// spec §7.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"positionbot/internal/events"
)

// State is the breaker's current posture.
type State string

const (
	StateClosed   State = "closed"    // position is eligible for normal tick actions
	StateOpen     State = "open"      // quarantined, tick actions are skipped
	StateHalfOpen State = "half_open" // cooldown elapsed, next result decides
)

// Config tunes the quarantine rule.
type Config struct {
	MaxConsecutiveErrors int           // trip threshold, default 5 per spec §7
	CooldownPeriod       time.Duration // time before an open breaker tries half-open
}

// DefaultConfig returns the spec-mandated five-consecutive-errors rule with
// a conservative cooldown.
func DefaultConfig() Config {
	return Config{MaxConsecutiveErrors: 5, CooldownPeriod: 5 * time.Minute}
}

type positionBreaker struct {
	mu                sync.Mutex
	state             State
	consecutiveErrors int
	lastTripTime      time.Time
	tripReason        string
}

// Breaker is a registry of one quarantine state machine per position_id.
type Breaker struct {
	config Config
	bus    *events.EventBus

	mu       sync.Mutex
	breakers map[string]*positionBreaker
}

// NewBreaker builds a Breaker publishing quarantine transitions to bus (may
// be nil, in which case transitions are silent).
func NewBreaker(config Config, bus *events.EventBus) *Breaker {
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = 5
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = 5 * time.Minute
	}
	return &Breaker{config: config, bus: bus, breakers: make(map[string]*positionBreaker)}
}

func (b *Breaker) get(positionID string) *positionBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb, ok := b.breakers[positionID]
	if !ok {
		pb = &positionBreaker{state: StateClosed}
		b.breakers[positionID] = pb
	}
	return pb
}

// CanAct reports whether the supervisor may dispatch a tick action for
// positionID. An open breaker past its cooldown transitions to half-open;
// a half-open breaker allows actions until the next recorded success or
// structural error closes or re-opens it.
func (b *Breaker) CanAct(positionID string) (bool, string) {
	pb := b.get(positionID)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.state == StateOpen {
		if time.Since(pb.lastTripTime) < b.config.CooldownPeriod {
			return false, fmt.Sprintf("quarantined: %s", pb.tripReason)
		}
		pb.state = StateHalfOpen
	}
	return true, ""
}

// RecordSuccess clears the consecutive-error counter and, from half-open,
// closes the breaker.
func (b *Breaker) RecordSuccess(positionID string) {
	pb := b.get(positionID)
	pb.mu.Lock()
	wasHalfOpen := pb.state == StateHalfOpen
	pb.state = StateClosed
	pb.consecutiveErrors = 0
	pb.tripReason = ""
	pb.mu.Unlock()

	if wasHalfOpen {
		b.publish(positionID, "recovered")
	}
}

// RecordStructuralError increments the consecutive-error counter and trips
// the breaker at config.MaxConsecutiveErrors. A half-open breaker that
// errors again re-opens immediately rather than waiting for another
// five-in-a-row count.
func (b *Breaker) RecordStructuralError(positionID string, err error) {
	pb := b.get(positionID)
	pb.mu.Lock()
	if pb.state == StateHalfOpen {
		pb.state = StateOpen
		pb.lastTripTime = time.Now()
		pb.tripReason = fmt.Sprintf("structural error during half-open probe: %v", err)
		pb.mu.Unlock()
		b.publish(positionID, pb.tripReason)
		return
	}

	pb.consecutiveErrors++
	trip := pb.consecutiveErrors >= b.config.MaxConsecutiveErrors
	var reason string
	if trip {
		pb.state = StateOpen
		pb.lastTripTime = time.Now()
		reason = fmt.Sprintf("%d consecutive structural errors: %v", pb.consecutiveErrors, err)
		pb.tripReason = reason
	}
	pb.mu.Unlock()

	if trip {
		b.publish(positionID, reason)
	}
}

func (b *Breaker) publish(positionID, reason string) {
	if b.bus != nil {
		b.bus.PublishPositionQuarantined(positionID, reason)
	}
}

// State reports positionID's current breaker state, defaulting to closed
// for a position never seen before.
func (b *Breaker) State(positionID string) State {
	pb := b.get(positionID)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// Forget removes positionID's breaker entry. Nothing in the service calls it
// automatically: the registry keeps an entry for every position it has seen
// until Forget is called.
func (b *Breaker) Forget(positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, positionID)
}
