// Package reconciler owns the per-transaction control loop that polls the
// gateway, absorbs webhook and push observations, and decides when a
// transaction is settled.
//
// Concurrency model: every session runs exactly one goroutine. The polling
// timer and the externally-delivered observations are multiplexed through a
// single select, so each tick runs to completion before anything else can
// touch the TransactionRecord. Different tokens are fully independent; the
// only cross-token state is the registry map.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateStopped   State = "STOPPED"
	StateCompleted State = "COMPLETED"
)

// StatusSource performs one remote status check. Implemented by
// gateway.Client; faked in tests.
type StatusSource interface {
	Check(ctx context.Context, token string) (status.Observation, error)
}

// Session is the reconciler for a single transaction token.
type Session struct {
	ID uuid.UUID

	cfg  Config
	cb   Callbacks
	deps *deps

	mu     sync.Mutex
	state  State
	record TransactionRecord
	cancel context.CancelFunc
	done   chan struct{}
	obsCh  chan status.Observation
}

func newSession(token string, orderCtx OrderContext, cfg Config, cb Callbacks, d *deps) *Session {
	return &Session{
		ID:   uuid.New(),
		cfg:  cfg,
		cb:   cb,
		deps: d,
		state: StateIdle,
		record: TransactionRecord{
			Token:         token,
			OrderID:       orderCtx.OrderID,
			CurrentStatus: status.Pending,
		},
	}
}

// Token returns the transaction token this session reconciles.
func (s *Session) Token() string { return s.record.Token }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the current loop goroutine exits.
// Nil before the first start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Record returns a snapshot of the transaction record.
func (s *Session) Record() TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// start moves the session to RUNNING and launches its loop goroutine.
// Callers hold no registry lock here.
func (s *Session) start(parent context.Context) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.state = StateRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	s.obsCh = make(chan status.Observation, 8)
	done, obsCh := s.done, s.obsCh
	s.mu.Unlock()

	go s.run(ctx, done, obsCh)
}

// Stop cancels the session. Idempotent: a pending timer is cancelled, an
// in-flight check is allowed to finish but its result is discarded, and
// OnComplete is never invoked on this path.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Retry restarts a STOPPED session with a fresh attempt counter. It is the
// only way back to RUNNING; calling it in any other state is an error.
func (s *Session) Retry(parent context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Token: s.record.Token, State: st}
	}
	s.record.Attempt = 0
	s.mu.Unlock()

	s.start(parent)
	return nil
}

// Deliver hands an externally-observed status (webhook or push) to the
// session loop. Returns false when the session is not running or its inbox
// is full; external channels treat that as "polling will catch up".
func (s *Session) Deliver(obs status.Observation) bool {
	s.mu.Lock()
	running := s.state == StateRunning
	obsCh := s.obsCh
	s.mu.Unlock()
	if !running || obsCh == nil {
		return false
	}
	select {
	case obsCh <- obs:
		return true
	default:
		return false
	}
}

// run is the session loop. It exits on cancellation, completion, or
// attempt exhaustion; nothing else may mutate the record while it runs.
func (s *Session) run(ctx context.Context, done chan struct{}, obsCh chan status.Observation) {
	defer close(done)

	// First check fires immediately; the backoff schedule starts after it.
	timer := time.NewTimer(0)
	defer timer.Stop()

	transient := 0
	for {
		select {
		case <-ctx.Done():
			s.markStopped()
			return

		case obs := <-obsCh:
			// Webhook/push observations do not consume an attempt.
			if s.apply(ctx, obs) {
				return
			}

		case <-timer.C:
			obs, err := s.check(ctx)
			if ctx.Err() != nil {
				// Stopped while the call was in flight: discard the result.
				s.markStopped()
				return
			}
			if err != nil {
				transient++
				slog.WarnContext(ctx, "status check failed",
					"token", s.record.Token,
					"consecutive_errors", transient,
					"error", err,
				)
				if transient >= transientErrorBudget {
					transient = 0
					s.consumeAttempt()
				}
			} else {
				transient = 0
				s.consumeAttempt()
				if s.apply(ctx, obs) {
					return
				}
			}

			attempt := s.attemptCount()
			if attempt >= s.cfg.MaxAttempts {
				s.exhaust(ctx, attempt)
				return
			}
			if attempt < 1 {
				attempt = 1
			}
			timer.Reset(s.cfg.Interval(attempt))
		}
	}
}

func (s *Session) check(ctx context.Context) (status.Observation, error) {
	checkCtx, cancel := context.WithTimeout(ctx, s.deps.checkTimeout)
	defer cancel()
	return s.deps.source.Check(checkCtx, s.record.Token)
}

// apply funnels one observation through the status model and reports
// whether the session completed.
func (s *Session) apply(ctx context.Context, obs status.Observation) bool {
	s.mu.Lock()
	current := s.record.CurrentStatus
	next, anomaly := status.Resolve(current, obs.Status)
	s.record.CurrentStatus = next
	s.record.Source = obs.Source
	s.record.LastObservedAt = obs.ObservedAt
	if s.record.LastObservedAt.IsZero() {
		s.record.LastObservedAt = time.Now().UTC()
	}
	if obs.TransactionID != "" {
		s.record.TransactionID = obs.TransactionID
	}
	token, orderID := s.record.Token, s.record.OrderID
	s.mu.Unlock()

	s.deps.logObservation(ctx, token, orderID, next, obs, anomaly)

	if anomaly {
		s.deps.notifyAnomaly(ctx, token, next, obs)
		return false
	}

	if status.IsTerminal(next) {
		s.complete(ctx, obs, next)
		return true
	}

	if next != current && s.cb.OnStatusChange != nil {
		s.cb.OnStatusChange(token, next)
	}
	return false
}

// complete freezes the record, notifies the caller exactly once, and
// releases the token everywhere: registry entry, pending record, order row.
func (s *Session) complete(ctx context.Context, obs status.Observation, final status.Status) {
	s.mu.Lock()
	if s.state == StateCompleted {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	token, orderID, txID := s.record.Token, s.record.OrderID, s.record.TransactionID
	s.mu.Unlock()

	slog.InfoContext(ctx, "reconciliation completed",
		"token", token,
		"status", final,
		"source", obs.Source,
	)
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(token, final)
	}

	// Cleanup must survive the session being cancelled right after the
	// terminal observation, so detach from the loop context.
	cleanupCtx := context.WithoutCancel(ctx)
	s.deps.release(cleanupCtx, token, orderID, txID, final, obs.RawText)
}

func (s *Session) exhaust(ctx context.Context, attempts int) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	token := s.record.Token
	s.mu.Unlock()

	// The outcome is unknown, not failed: the pending record is kept so a
	// later retry can pick the token back up.
	slog.WarnContext(ctx, "reconciliation exhausted",
		"token", token,
		"attempts", attempts,
	)
	if s.cb.OnExhausted != nil {
		s.cb.OnExhausted(token, attempts)
	}
}

func (s *Session) markStopped() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopped
	}
	s.mu.Unlock()
}

func (s *Session) consumeAttempt() {
	s.mu.Lock()
	s.record.Attempt++
	s.mu.Unlock()
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Attempt
}
