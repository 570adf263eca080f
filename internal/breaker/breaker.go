package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Circuit states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// ErrOpen is returned when the circuit rejects a call without contacting the
// remote system.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tunes one logical service's breaker. A critical or unreliable
// gateway gets a lower failure threshold and a longer recovery timeout than
// a mature one.
type Settings struct {
	FailureThreshold int           // failures within MonitoringPeriod that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	MonitoringPeriod time.Duration // sliding window for counting failures
	RecoveryTimeout  time.Duration // how long the circuit stays open before probing
}

// DefaultSettings are conservative values for an external payment gateway.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MonitoringPeriod: time.Minute,
		RecoveryTimeout:  30 * time.Second,
	}
}

// State is the persisted breaker state for one service. Kept in a shared
// store so every replica sees the same view of provider health.
type State struct {
	State             string    `json:"state"`
	Failures          int       `json:"failures"`
	WindowStart       time.Time `json:"window_start"`
	LastFailure       time.Time `json:"last_failure"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	HalfOpenInFlight  int       `json:"half_open_in_flight"`
}

// StateStore persists breaker state per service name.
type StateStore interface {
	Get(ctx context.Context, service string) (*State, error)
	Put(ctx context.Context, service string, st *State) error
}

// CircuitBreaker guards calls to one logical external service.
type CircuitBreaker struct {
	name     string
	settings Settings
	store    StateStore
}

func New(name string, settings Settings, store StateStore) *CircuitBreaker {
	return &CircuitBreaker{name: name, settings: settings, store: store}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// CurrentState reports the effective state, applying the open-to-half-open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) CurrentState(ctx context.Context) (string, error) {
	st, err := cb.load(ctx)
	if err != nil {
		return "", err
	}
	return cb.effectiveState(st, time.Now()), nil
}

// Execute runs op under the breaker. While OPEN the call fails immediately
// with ErrOpen; in HALF_OPEN trial calls are let through and their outcome
// drives the state transition.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func() error) error {
	return cb.ExecuteWithFallback(ctx, op, nil)
}

// ExecuteWithFallback is Execute with an optional fallback invoked instead of
// failing fast while the circuit is open.
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, op func() error, fallback func() error) error {
	now := time.Now()
	st, err := cb.load(ctx)
	if err != nil {
		// A broken state store must not take the gateway down with it.
		log.Printf("[BREAKER] %s: state store read failed, passing call through: %v", cb.name, err)
		return op()
	}

	effective := cb.effectiveState(st, now)
	if effective == StateHalfOpen && st.State == StateOpen {
		st.State = StateHalfOpen
		st.HalfOpenSuccesses = 0
		st.HalfOpenInFlight = 0
		cb.save(ctx, st)
		log.Printf("[BREAKER] %s: OPEN -> HALF_OPEN after recovery timeout", cb.name)
	}

	if effective == StateOpen {
		if fallback != nil {
			return fallback()
		}
		return fmt.Errorf("%s: %w", cb.name, ErrOpen)
	}

	if st.State == StateHalfOpen {
		// Only SuccessThreshold trial calls may be in flight at once; the
		// rest are rejected so a still-sick provider isn't flooded the
		// moment the recovery timeout elapses.
		if st.HalfOpenInFlight >= cb.settings.SuccessThreshold {
			if fallback != nil {
				return fallback()
			}
			return fmt.Errorf("%s: %w", cb.name, ErrOpen)
		}
		st.HalfOpenInFlight++
		cb.save(ctx, st)
	}

	if err := op(); err != nil {
		cb.recordFailure(ctx, st, now)
		return err
	}
	cb.recordSuccess(ctx, st)
	return nil
}

func (cb *CircuitBreaker) effectiveState(st *State, now time.Time) string {
	if st.State == StateOpen && now.Sub(st.LastFailure) >= cb.settings.RecoveryTimeout {
		return StateHalfOpen
	}
	return st.State
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context, st *State, now time.Time) {
	if st.State == StateHalfOpen {
		// Any half-open failure reopens immediately.
		st.State = StateOpen
		st.LastFailure = now
		st.HalfOpenSuccesses = 0
		st.HalfOpenInFlight = 0
		cb.save(ctx, st)
		log.Printf("[BREAKER] %s: HALF_OPEN -> OPEN", cb.name)
		return
	}

	if now.Sub(st.WindowStart) > cb.settings.MonitoringPeriod {
		st.Failures = 0
		st.WindowStart = now
	}
	st.Failures++
	st.LastFailure = now

	if st.Failures >= cb.settings.FailureThreshold {
		st.State = StateOpen
		log.Printf("[BREAKER] %s: CLOSED -> OPEN after %d failures", cb.name, st.Failures)
	}
	cb.save(ctx, st)
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context, st *State) {
	switch st.State {
	case StateHalfOpen:
		st.HalfOpenSuccesses++
		if st.HalfOpenInFlight > 0 {
			st.HalfOpenInFlight--
		}
		if st.HalfOpenSuccesses >= cb.settings.SuccessThreshold {
			st.State = StateClosed
			st.Failures = 0
			st.HalfOpenSuccesses = 0
			st.HalfOpenInFlight = 0
			st.WindowStart = time.Time{}
			log.Printf("[BREAKER] %s: HALF_OPEN -> CLOSED", cb.name)
		}
		cb.save(ctx, st)
	case StateClosed:
		if st.Failures > 0 {
			st.Failures = 0
			cb.save(ctx, st)
		}
	}
}

func (cb *CircuitBreaker) load(ctx context.Context) (*State, error) {
	st, err := cb.store.Get(ctx, cb.name)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{State: StateClosed}
	}
	return st, nil
}

func (cb *CircuitBreaker) save(ctx context.Context, st *State) {
	if err := cb.store.Put(ctx, cb.name, st); err != nil {
		log.Printf("[BREAKER] %s: state store write failed: %v", cb.name, err)
	}
}
