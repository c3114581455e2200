package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/payment-reconciler/internal/order"
	"github.com/jcmexdev/payment-reconciler/internal/pending"
	"github.com/jcmexdev/payment-reconciler/internal/reconlog"
	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// OrderWriter persists a resolved payment status to the order service.
// Implemented by order.Client.
type OrderWriter interface {
	WriteStatus(ctx context.Context, orderID int64, update order.StatusUpdate) error
}

// InvalidStateError reports an operation attempted in the wrong session
// state, e.g. Retry on a running session.
type InvalidStateError struct {
	Token string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("reconciler: session for %q is %s", e.Token, e.State)
}

// UnknownTokenError is returned by Retry for tokens with no session.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("reconciler: no session for %q", e.Token)
}

// Stats is the externally-visible progress of a session.
type Stats struct {
	Active          bool    `json:"active"`
	State           State   `json:"state"`
	Attempts        int     `json:"attempts"`
	MaxAttempts     int     `json:"maxAttempts"`
	ProgressPercent float64 `json:"progressPercent"`
}

// deps bundles the collaborators shared by all sessions. pendingStore,
// orders and log may be nil; every use is guarded so a partial wiring
// (e.g. tests, or running without the audit DB) degrades gracefully.
type deps struct {
	source       StatusSource
	pendingStore pending.Store
	orders       OrderWriter
	log          reconlog.Repository
	checkTimeout time.Duration
	settledLimit int
	onAnomaly    func(token string, kept, observed status.Status)

	registry *Registry
}

// defaultSettledLimit bounds the frozen-status memory; beyond it the oldest
// settlements are forgotten and a late report for them passes through like
// any unknown token.
const defaultSettledLimit = 10000

// Registry is the process-wide map of active reconcilers. It guarantees at
// most one live loop per transaction token and is the entry point for the
// webhook and push channels to reach a running session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// settled remembers the frozen terminal status of released tokens so
	// that late webhooks and push events can still be resolved against it.
	// Bounded: the oldest entries are evicted past settledLimit.
	settledMu    sync.Mutex
	settled      map[string]status.Status
	settledOrder []string

	deps *deps
}

// Option configures a Registry.
type Option func(*deps)

// WithCheckTimeout bounds each individual status check. Default 30 s.
func WithCheckTimeout(d time.Duration) Option {
	return func(dp *deps) { dp.checkTimeout = d }
}

// WithReconLog enables the durable observation log.
func WithReconLog(repo reconlog.Repository) Option {
	return func(dp *deps) { dp.log = repo }
}

// WithSettledLimit overrides how many frozen terminal statuses are kept for
// late-report resolution. Default 10000.
func WithSettledLimit(n int) Option {
	return func(dp *deps) { dp.settledLimit = n }
}

// WithAnomalyHandler registers the error-observation side channel: it fires
// when an observation contradicts an already-frozen terminal status. The
// kept status is what the system continues to hold.
func WithAnomalyHandler(fn func(token string, kept, observed status.Status)) Option {
	return func(dp *deps) { dp.onAnomaly = fn }
}

// NewRegistry builds a registry. source is required; pendingStore and
// orders may be nil when those collaborators are not wired.
func NewRegistry(source StatusSource, pendingStore pending.Store, orders OrderWriter, opts ...Option) *Registry {
	d := &deps{
		source:       source,
		pendingStore: pendingStore,
		orders:       orders,
		checkTimeout: 30 * time.Second,
		settledLimit: defaultSettledLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		settled:  make(map[string]status.Status),
		deps:     d,
	}
	d.registry = r
	return r
}

// Start begins reconciling a token. Calling Start for a token whose session
// is IDLE or RUNNING is a no-op: it logs a warning and returns the existing
// session. A session left in STOPPED or COMPLETED is replaced.
func (r *Registry) Start(ctx context.Context, token string, orderCtx OrderContext, cfg *Config, cb Callbacks) *Session {
	var config Config
	if cfg != nil {
		config = *cfg
	}
	config = config.withDefaults()

	r.mu.Lock()
	if existing, ok := r.sessions[token]; ok {
		// IDLE counts as active too: a session sits in the map before its
		// loop launches, and a concurrent Start in that window must not
		// spawn a second loop for the same token.
		if st := existing.State(); st == StateRunning || st == StateIdle {
			r.mu.Unlock()
			slog.WarnContext(ctx, "reconciliation already active, returning existing session",
				"token", token,
				"session_id", existing.ID,
			)
			return existing
		}
	}
	s := newSession(token, orderCtx, config, cb, r.deps)
	r.sessions[token] = s
	r.mu.Unlock()

	r.savePending(ctx, token, orderCtx)

	slog.InfoContext(ctx, "reconciliation started",
		"token", token,
		"order_id", orderCtx.OrderID,
		"session_id", s.ID,
		"max_attempts", config.MaxAttempts,
	)

	// Sessions outlive the HTTP request that started them.
	s.start(context.WithoutCancel(ctx))
	return s
}

// Stop cancels the session for token, if any. Idempotent; returns whether
// a session existed. The session stays registered in STOPPED so it can be
// retried; its pending record is preserved.
func (r *Registry) Stop(token string) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	return true
}

// Retry re-enters RUNNING from STOPPED with a fresh attempt counter.
func (r *Registry) Retry(ctx context.Context, token string) error {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	if !ok {
		return &UnknownTokenError{Token: token}
	}
	return s.Retry(context.WithoutCancel(ctx))
}

// IsActive reports whether a RUNNING session exists for token.
func (r *Registry) IsActive(token string) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	return ok && s.State() == StateRunning
}

// Stats reports progress for token. The second return is false when the
// token has no session at all.
func (r *Registry) Stats(token string) (Stats, bool) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	rec := s.Record()
	st := s.State()
	progress := float64(rec.Attempt) / float64(s.cfg.MaxAttempts) * 100
	if progress > 100 {
		progress = 100
	}
	return Stats{
		Active:          st == StateRunning,
		State:           st,
		Attempts:        rec.Attempt,
		MaxAttempts:     s.cfg.MaxAttempts,
		ProgressPercent: progress,
	}, true
}

// Deliver routes an externally-observed status to the running session for
// token. Returns false when no running session accepts it; the caller's
// own persistence (webhook → order write) is unaffected.
func (r *Registry) Deliver(token string, obs status.Observation) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.Deliver(obs)
}

// ObserveResult is the outcome of funnelling one external observation.
type ObserveResult struct {
	// Resolved is the status the system holds for the token after the
	// observation was applied against any frozen terminal status.
	Resolved status.Status
	// Delivered reports whether a running session accepted the observation.
	Delivered bool
	// Known reports whether this process tracks the token at all, either
	// as a running session or a remembered terminal status.
	Known bool
	// Anomaly reports that the observation contradicted a frozen terminal
	// status and was discarded.
	Anomaly bool
}

// Observe is the merge point for the webhook and push channels. If a
// session is running for the token, the observation is handed to its loop.
// Otherwise it is resolved against the token's frozen terminal status, if
// one is remembered, so a late contradicting report is flagged instead of
// silently accepted, and an allowed reversal (e.g. FAILED → REFUNDED)
// updates the frozen status. For tokens this process knows nothing about,
// the observation is returned as-is for the caller to persist.
func (r *Registry) Observe(ctx context.Context, token string, obs status.Observation) ObserveResult {
	if r.Deliver(token, obs) {
		return ObserveResult{Resolved: obs.Status, Delivered: true, Known: true}
	}

	r.settledMu.Lock()
	current, ok := r.settled[token]
	r.settledMu.Unlock()
	if !ok {
		return ObserveResult{Resolved: obs.Status}
	}

	next, anomaly := status.Resolve(current, obs.Status)
	r.deps.logObservation(ctx, token, 0, next, obs, anomaly)
	if anomaly {
		r.deps.notifyAnomaly(ctx, token, next, obs)
		return ObserveResult{Resolved: next, Known: true, Anomaly: true}
	}
	if next != current {
		slog.InfoContext(ctx, "settled status revised",
			"token", token,
			"from", current,
			"to", next,
			"source", obs.Source,
		)
		r.recordSettled(token, next)
	}
	return ObserveResult{Resolved: next, Known: true}
}

// StopAll cancels every session. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// ResumePending restarts a reconciler for every pending record younger than
// the freshness window and discards the rest. Called once at boot.
func (r *Registry) ResumePending(ctx context.Context, cfg *Config, cb Callbacks) error {
	if r.deps.pendingStore == nil {
		return nil
	}
	infos, err := r.deps.pendingStore.List(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: resume: %w", err)
	}

	now := time.Now()
	for _, info := range infos {
		if info.Stale(now) {
			slog.InfoContext(ctx, "discarding stale pending record",
				"token", info.Token,
				"age", now.Sub(info.Timestamp).String(),
			)
			if err := r.deps.pendingStore.Clear(ctx, info.Token); err != nil {
				slog.WarnContext(ctx, "failed to clear stale pending record", "token", info.Token, "error", err)
			}
			continue
		}
		r.Start(ctx, info.Token, OrderContext{
			OrderID:     info.OrderID,
			OrderNumber: info.OrderNumber,
			TotalAmount: info.TotalAmount,
		}, cfg, cb)
	}
	return nil
}

// remove drops a completed session from the map.
func (r *Registry) remove(token string) {
	r.mu.Lock()
	delete(r.sessions, token)
	r.mu.Unlock()
}

// recordSettled freezes (or revises) the settled status for token, evicting
// the oldest settlements past the configured bound.
func (r *Registry) recordSettled(token string, st status.Status) {
	r.settledMu.Lock()
	defer r.settledMu.Unlock()
	if _, ok := r.settled[token]; !ok {
		r.settledOrder = append(r.settledOrder, token)
		if len(r.settledOrder) > r.deps.settledLimit {
			oldest := r.settledOrder[0]
			r.settledOrder = r.settledOrder[1:]
			delete(r.settled, oldest)
		}
	}
	r.settled[token] = st
}

func (r *Registry) savePending(ctx context.Context, token string, orderCtx OrderContext) {
	if r.deps.pendingStore == nil {
		return
	}
	// Keep the original timestamp on resume so the 24 h staleness window
	// counts from initiation, not from the latest restart.
	existing, err := r.deps.pendingStore.Load(ctx, token)
	if err != nil {
		slog.WarnContext(ctx, "pending store load failed", "token", token, "error", err)
	}
	if existing != nil {
		return
	}
	info := pending.PaymentInfo{
		OrderID:     orderCtx.OrderID,
		OrderNumber: orderCtx.OrderNumber,
		Token:       token,
		TotalAmount: orderCtx.TotalAmount,
		Timestamp:   time.Now().UTC(),
	}
	if err := r.deps.pendingStore.Save(ctx, info); err != nil {
		slog.WarnContext(ctx, "pending store save failed", "token", token, "error", err)
	}
}

// logObservation appends to the durable observation log; skipped when no
// repository is wired.
func (d *deps) logObservation(ctx context.Context, token string, orderID int64, resolved status.Status, obs status.Observation, anomaly bool) {
	if d.log == nil {
		return
	}
	entry := reconlog.NewEntry(ctx, token, orderID, resolved, obs, anomaly)
	if err := d.log.Save(ctx, entry); err != nil {
		slog.WarnContext(ctx, "reconciliation log write failed", "token", token, "error", err)
	}
}

// notifyAnomaly logs a contradicting observation and reports it on the
// side channel. The kept status is never changed by this path.
func (d *deps) notifyAnomaly(ctx context.Context, token string, kept status.Status, obs status.Observation) {
	slog.WarnContext(ctx, "observation contradicts settled status",
		"token", token,
		"kept", kept,
		"observed", obs.Status,
		"source", obs.Source,
	)
	if d.onAnomaly != nil {
		d.onAnomaly(token, kept, obs.Status)
	}
}

// release is the single cleanup path for a settled token: registry entry
// out, frozen status remembered, pending record cleared, final status
// written to the order service.
func (d *deps) release(ctx context.Context, token string, orderID int64, txID string, final status.Status, rawText string) {
	d.registry.remove(token)
	d.registry.recordSettled(token, final)

	if d.pendingStore != nil {
		if err := d.pendingStore.Clear(ctx, token); err != nil {
			slog.WarnContext(ctx, "pending store clear failed", "token", token, "error", err)
		}
	}

	if d.orders != nil {
		update := order.StatusUpdate{
			PaymentStatus: final,
			TransactionID: txID,
		}
		if final != status.Paid && final != status.Refunded {
			update.FailureReason = rawText
		}
		if err := d.orders.WriteStatus(ctx, orderID, update); err != nil {
			slog.ErrorContext(ctx, "order status write failed", "token", token, "order_id", orderID, "error", err)
		}
	}
}
