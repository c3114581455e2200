package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/payment-reconciler/internal/order"
	"github.com/jcmexdev/payment-reconciler/internal/pending"
	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// fakeSource returns scripted observations in order, repeating the last one.
type fakeSource struct {
	mu      sync.Mutex
	script  []status.Observation
	errs    []error
	calls   int
	blockCh chan struct{} // when set, Check blocks until closed
}

func (f *fakeSource) Check(ctx context.Context, token string) (status.Observation, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return status.Observation{}, ctx.Err()
		}
	}

	if i < len(f.errs) && f.errs[i] != nil {
		return status.Observation{}, f.errs[i]
	}
	if len(f.script) == 0 {
		return status.Observation{Status: status.Pending, Source: status.SourcePoll}, nil
	}
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	obs := f.script[i]
	obs.Source = status.SourcePoll
	obs.ObservedAt = time.Now().UTC()
	return obs, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOrders struct {
	mu     sync.Mutex
	writes []order.StatusUpdate
}

func (f *fakeOrders) WriteStatus(_ context.Context, orderID int64, update order.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, update)
	return nil
}

func fastConfig(maxAttempts int) *Config {
	return &Config{
		InitialInterval:   5 * time.Millisecond,
		MaxAttempts:       maxAttempts,
		BackoffMultiplier: 1.01,
		MaxInterval:       10 * time.Millisecond,
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

func TestPollUntilTerminal(t *testing.T) {
	src := &fakeSource{script: []status.Observation{
		{Status: status.Pending},
		{Status: status.Processing},
		{Status: status.Paid, TransactionID: "tx-1"},
	}}
	store := pending.NewMemoryStore()
	orders := &fakeOrders{}
	reg := NewRegistry(src, store, orders)

	var completed atomic.Int32
	var final atomic.Value
	s := reg.Start(context.Background(), "tok-1", OrderContext{OrderID: 7}, fastConfig(10), Callbacks{
		OnComplete: func(token string, st status.Status) {
			completed.Add(1)
			final.Store(st)
		},
	})
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, status.Paid, final.Load())
	assert.Equal(t, "tx-1", s.Record().TransactionID)

	// Token released everywhere: registry, pending store, order written.
	assert.False(t, reg.IsActive("tok-1"))
	_, found := reg.Stats("tok-1")
	assert.False(t, found)
	info, err := store.Load(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Nil(t, info)
	require.Len(t, orders.writes, 1)
	assert.Equal(t, status.Paid, orders.writes[0].PaymentStatus)
}

// Scenario: polling keeps answering PENDING, then a webhook-delivered PAID
// observation lands; the loop stops immediately and completes once.
func TestExternalObservationCompletesLoop(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}
	store := pending.NewMemoryStore()
	reg := NewRegistry(src, store, &fakeOrders{})

	var completed atomic.Int32
	s := reg.Start(context.Background(), "tok-1", OrderContext{OrderID: 7}, fastConfig(1000), Callbacks{
		OnComplete: func(string, status.Status) { completed.Add(1) },
	})

	// Let a few polls happen first.
	for src.callCount() < 3 {
		time.Sleep(time.Millisecond)
	}
	ok := reg.Deliver("tok-1", status.Observation{
		Status:     status.Paid,
		Source:     status.SourceWebhook,
		ObservedAt: time.Now(),
	})
	require.True(t, ok)
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, int32(1), completed.Load())
	info, err := store.Load(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

// Scenario: every poll returns PENDING and nothing else arrives; the
// session exhausts its budget, reports unknown, and keeps the pending
// record for a later retry.
func TestExhaustionPreservesPendingRecord(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}
	store := pending.NewMemoryStore()
	reg := NewRegistry(src, store, &fakeOrders{})

	var exhausted atomic.Int32
	var attempts atomic.Int32
	s := reg.Start(context.Background(), "tok-1", OrderContext{OrderID: 7}, fastConfig(5), Callbacks{
		OnExhausted: func(_ string, n int) {
			exhausted.Add(1)
			attempts.Store(int32(n))
		},
		OnComplete: func(string, status.Status) { t.Error("OnComplete must not fire on exhaustion") },
	})
	waitDone(t, s)

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(1), exhausted.Load())
	assert.Equal(t, int32(5), attempts.Load())
	assert.Equal(t, 5, src.callCount())

	info, err := store.Load(context.Background(), "tok-1")
	require.NoError(t, err)
	require.NotNil(t, info, "pending record must survive exhaustion")
}

func TestStartIsSingleInstancePerToken(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{blockCh: block, script: []status.Observation{{Status: status.Pending}}}
	reg := NewRegistry(src, nil, nil)

	s1 := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(100), Callbacks{})
	s2 := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(100), Callbacks{})
	assert.Same(t, s1, s2, "second start must return the existing session")
	assert.True(t, reg.IsActive("tok-1"))

	// Exactly one loop is polling: with the first call blocked, no second
	// network call can have been issued for this token.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.callCount())

	close(block)
	reg.Stop("tok-1")
	waitDone(t, s1)
}

// slowStore delays Load to widen the window between a session being
// registered and its loop starting.
type slowStore struct {
	pending.Store
	delay time.Duration
}

func (s slowStore) Load(ctx context.Context, token string) (*pending.PaymentInfo, error) {
	time.Sleep(s.delay)
	return s.Store.Load(ctx, token)
}

// Two Starts racing for the same token must converge on one session even
// while the first one is still inside its pending-store round-trip.
func TestStartIsSingleInstanceUnderConcurrentStarts(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{blockCh: block, script: []status.Observation{{Status: status.Pending}}}
	store := slowStore{Store: pending.NewMemoryStore(), delay: 50 * time.Millisecond}
	reg := NewRegistry(src, store, nil)

	sessions := make([]*Session, 2)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(100), Callbacks{})
		}(i)
	}
	wg.Wait()

	assert.Same(t, sessions[0], sessions[1], "concurrent starts must return one session")

	// Exactly one loop is polling for the token.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.callCount())

	close(block)
	reg.Stop("tok-1")
	waitDone(t, sessions[0])
}

func TestStopIsIdempotentAndSkipsOnComplete(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}
	store := pending.NewMemoryStore()
	reg := NewRegistry(src, store, &fakeOrders{})

	s := reg.Start(context.Background(), "tok-1", OrderContext{OrderID: 1}, fastConfig(1000), Callbacks{
		OnComplete: func(string, status.Status) { t.Error("OnComplete must not fire on stop") },
	})
	assert.True(t, reg.Stop("tok-1"))
	assert.True(t, reg.Stop("tok-1"))
	waitDone(t, s)

	assert.Equal(t, StateStopped, s.State())
	assert.False(t, reg.IsActive("tok-1"))

	// Stopping is not settling: the pending record stays.
	info, err := store.Load(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestRetryOnlyFromStopped(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}
	reg := NewRegistry(src, nil, nil)

	s := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(1000), Callbacks{})

	err := reg.Retry(context.Background(), "tok-1")
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise), "retry while running must fail")

	reg.Stop("tok-1")
	waitDone(t, s)

	require.NoError(t, reg.Retry(context.Background(), "tok-1"))
	assert.True(t, reg.IsActive("tok-1"))
	stats, ok := reg.Stats("tok-1")
	require.True(t, ok)
	assert.True(t, stats.Active)

	reg.Stop("tok-1")
	waitDone(t, s)

	err = reg.Retry(context.Background(), "missing")
	var ute *UnknownTokenError
	require.True(t, errors.As(err, &ute))
}

func TestTransientErrorsConsumeAttemptAfterBudget(t *testing.T) {
	// 6 consecutive transport errors = 2 consumed attempts with budget 3.
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	src := &fakeSource{errs: errs, script: []status.Observation{{Status: status.Pending}}}
	reg := NewRegistry(src, nil, nil)

	var exhausted atomic.Int32
	s := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(2), Callbacks{
		OnExhausted: func(string, int) { exhausted.Add(1) },
	})
	waitDone(t, s)

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(1), exhausted.Load())
	// Two attempts consumed after six transport errors, never more checks
	// than the six scripted failures.
	assert.Equal(t, 6, src.callCount())
}

// Scenario: the token settled as PAID; a late webhook claims FAILED. The
// frozen status wins and the contradiction is reported on the side channel,
// while an allowed reversal (REFUNDED) is accepted.
func TestObserveAfterSettlement(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}

	var anomalies atomic.Int32
	reg := NewRegistry(src, nil, nil, WithAnomalyHandler(func(_ string, kept, observed status.Status) {
		anomalies.Add(1)
		assert.Equal(t, status.Paid, kept)
		assert.Equal(t, status.Failed, observed)
	}))

	s := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(1000), Callbacks{})
	require.Eventually(t, func() bool {
		return reg.Deliver("tok-1", status.Observation{Status: status.Paid, Source: status.SourceWebhook})
	}, time.Second, time.Millisecond)
	waitDone(t, s)
	require.Equal(t, StateCompleted, s.State())

	res := reg.Observe(context.Background(), "tok-1", status.Observation{Status: status.Failed, Source: status.SourceWebhook})
	assert.True(t, res.Anomaly)
	assert.False(t, res.Delivered)
	assert.Equal(t, status.Paid, res.Resolved)
	assert.Equal(t, int32(1), anomalies.Load())

	// A stale non-terminal report is expected noise, not an anomaly.
	res = reg.Observe(context.Background(), "tok-1", status.Observation{Status: status.Pending, Source: status.SourcePush})
	assert.False(t, res.Anomaly)
	assert.Equal(t, status.Paid, res.Resolved)

	// Manual reversal is in the allowed transition set.
	res = reg.Observe(context.Background(), "tok-1", status.Observation{Status: status.Refunded, Source: status.SourceWebhook})
	assert.False(t, res.Anomaly)
	assert.Equal(t, status.Refunded, res.Resolved)
}

// The frozen-status memory is bounded: past the limit the oldest
// settlements are forgotten and a late report for them behaves like one for
// an untracked token.
func TestSettledMemoryIsBounded(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Paid}}}
	reg := NewRegistry(src, nil, nil, WithSettledLimit(2))

	for _, tok := range []string{"tok-1", "tok-2", "tok-3"} {
		s := reg.Start(context.Background(), tok, OrderContext{}, fastConfig(5), Callbacks{})
		waitDone(t, s)
	}

	// Oldest settlement evicted: the contradiction is no longer detectable.
	res := reg.Observe(context.Background(), "tok-1", status.Observation{Status: status.Failed, Source: status.SourceWebhook})
	assert.False(t, res.Known)
	assert.False(t, res.Anomaly)

	// Recent settlements still catch it.
	res = reg.Observe(context.Background(), "tok-3", status.Observation{Status: status.Failed, Source: status.SourceWebhook})
	assert.True(t, res.Known)
	assert.True(t, res.Anomaly)
	assert.Equal(t, status.Paid, res.Resolved)
}

// Observations for tokens this process never tracked pass through for the
// caller to persist.
func TestObserveUnknownToken(t *testing.T) {
	reg := NewRegistry(&fakeSource{}, nil, nil)
	res := reg.Observe(context.Background(), "never-seen", status.Observation{Status: status.Paid, Source: status.SourceWebhook})
	assert.False(t, res.Delivered)
	assert.False(t, res.Anomaly)
	assert.Equal(t, status.Paid, res.Resolved)
}

func TestStatsProgress(t *testing.T) {
	src := &fakeSource{script: []status.Observation{{Status: status.Pending}}}
	reg := NewRegistry(src, nil, nil)
	s := reg.Start(context.Background(), "tok-1", OrderContext{}, fastConfig(4), Callbacks{})
	waitDone(t, s)

	stats, ok := reg.Stats("tok-1")
	require.True(t, ok)
	assert.False(t, stats.Active)
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, 4, stats.MaxAttempts)
	assert.InDelta(t, 100, stats.ProgressPercent, 0.01)
}

func TestResumePending(t *testing.T) {
	store := pending.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending.PaymentInfo{
		Token: "fresh", OrderID: 1, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, store.Save(ctx, pending.PaymentInfo{
		Token: "stale", OrderID: 2, Timestamp: time.Now().UTC().Add(-25 * time.Hour),
	}))

	src := &fakeSource{script: []status.Observation{{Status: status.Paid}}}
	reg := NewRegistry(src, store, &fakeOrders{})
	require.NoError(t, reg.ResumePending(ctx, fastConfig(10), Callbacks{}))

	// The stale record is discarded without starting anything.
	assert.False(t, reg.IsActive("stale"))
	info, err := store.Load(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, info)

	// The fresh one is reconciled to completion.
	require.Eventually(t, func() bool {
		_, ok := reg.Stats("fresh")
		return !ok // removed from the registry == completed
	}, 5*time.Second, time.Millisecond)
}
