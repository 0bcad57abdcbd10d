package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"fulfillmentservice/internal/catalog"
	"fulfillmentservice/internal/inventory"
	"fulfillmentservice/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

var testKey = Key{CounterpartyID: "buyer-1", ConversationID: "conv-1"}

// flakyStore injects failures into a seeded MemoryStore.
type flakyStore struct {
	*inventory.MemoryStore
	loseReserveFor string
	reserveErr     error
	restockErr     error
	batchErr       error
}

func (s *flakyStore) QuantitiesBatch(ctx context.Context, ids []string) (map[string]int, error) {
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	return s.MemoryStore.QuantitiesBatch(ctx, ids)
}

func (s *flakyStore) Reserve(ctx context.Context, id string, qty int) (bool, error) {
	if s.reserveErr != nil {
		return false, s.reserveErr
	}
	if id == s.loseReserveFor {
		return false, nil
	}
	return s.MemoryStore.Reserve(ctx, id, qty)
}

func (s *flakyStore) Restock(ctx context.Context, id string, qty int) (bool, error) {
	if s.restockErr != nil {
		return false, s.restockErr
	}
	return s.MemoryStore.Restock(ctx, id, qty)
}

// flakyRepo injects save failures and stale overdue index entries into a
// MemoryRepository.
type flakyRepo struct {
	*MemoryRepository
	saveErr error
	// saveErrs is consumed one entry per Save; a nil entry lets it through.
	saveErrs []error
	stale    []Key
}

func (r *flakyRepo) Save(ctx context.Context, s *Session) error {
	if len(r.saveErrs) > 0 {
		err := r.saveErrs[0]
		r.saveErrs = r.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.MemoryRepository.Save(ctx, s)
}

func (r *flakyRepo) Overdue(ctx context.Context, now time.Time, limit int) ([]Key, error) {
	due, err := r.MemoryRepository.Overdue(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	keys := append(append([]Key(nil), r.stale...), due...)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r *flakyRepo) Unindex(ctx context.Context, key Key) error {
	r.stale = slices.DeleteFunc(r.stale, func(k Key) bool { return k == key })
	return r.MemoryRepository.Unindex(ctx, key)
}

type fakeVerifier struct {
	mu    sync.Mutex
	err   error
	ready error
	calls []payment.Settlement
}

func (v *fakeVerifier) Verify(_ context.Context, s payment.Settlement) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, s)
	return v.err
}

func (v *fakeVerifier) Ready() error { return v.ready }

type harness struct {
	engine   *Engine
	store    *flakyStore
	repo     *flakyRepo
	verifier *fakeVerifier
	now      time.Time
	ids      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := catalog.Default()
	mem := inventory.NewMemoryStore(cat.Resolver())
	require.NoError(t, mem.Seed(context.Background(), cat.Items))

	h := &harness{
		store:    &flakyStore{MemoryStore: mem},
		repo:     &flakyRepo{MemoryRepository: NewMemoryRepository()},
		verifier: &fakeVerifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	engine, err := NewEngine(Dependencies{
		Resolver: cat.Resolver(),
		Store:    h.store,
		Repo:     h.repo,
		Verifier: h.verifier,
		Logger:   zaptest.NewLogger(t),
		Tracer:   tracenoop.NewTracerProvider().Tracer("test"),
		Meter:    metricnoop.NewMeterProvider().Meter("test"),
	}, Settings{
		Charge:    payment.ChargePolicy{Mode: payment.ChargeOrderTotal},
		Currency:  "USDC",
		Method:    "skyfire",
		Recipient: "fulfillment-service",
		Deadline:  300 * time.Second,
		ServiceID: "svc-1",
	},
		WithClock(func() time.Time { return h.now }),
		WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("order-%d", h.ids)
		}),
	)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) qty(t *testing.T, item string) int {
	t.Helper()
	q, err := h.store.Quantity(context.Background(), item)
	require.NoError(t, err)
	return q
}

func (h *harness) submit(t *testing.T, items ...RequestedItem) *Outcome {
	t.Helper()
	out, err := h.engine.Submit(context.Background(), testKey, items)
	require.NoError(t, err)
	return out
}

func tx(id string) payment.Settlement {
	return payment.Settlement{TransactionID: id, Currency: "USDC", Method: "skyfire"}
}

func TestEngine_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.submit(t, RequestedItem{Name: "tshirt", Quantity: 2})

	assert.Equal(t, StatusAwaitingPayment, out.State.Status)
	assert.True(t, out.State.ReservationApplied)
	assert.Equal(t, PaymentPending, out.State.PaymentStatus)
	assert.Equal(t, 8, h.qty(t, "tshirt"))
	require.Len(t, out.Replies, 1)
	assert.Contains(t, out.Replies[0], "Items reserved: 2x tshirt")

	req := out.PaymentRequest
	require.NotNil(t, req)
	assert.Equal(t, "39.98", req.Amount.StringFixed(2))
	assert.Equal(t, "USDC", req.Currency)
	assert.Equal(t, "skyfire", req.Method)
	assert.Equal(t, 300*time.Second, req.Deadline)
	assert.Equal(t, "order-1", req.Reference)
	assert.Equal(t, "Purchase: 2x tshirt @ $19.99 each | Total: $39.98 USDC", req.Description)
	assert.Equal(t, "svc-1", req.Metadata["skyfire_service_id"])
	assert.Equal(t, "39.98", req.Metadata["total_price"])

	done, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.State.Status)
	assert.Equal(t, PaymentSettled, done.State.PaymentStatus)
	assert.Equal(t, "tx-1", done.State.TransactionID)
	require.NotNil(t, done.Completion)
	assert.Equal(t, "tx-1", done.Completion.TransactionID)
	assert.Equal(t, []string{
		"Order completed successfully! Your purchase of 2x tshirt has been processed. Thank you for your order!",
	}, done.Replies)
	assert.Equal(t, 8, h.qty(t, "tshirt"), "settlement must not touch inventory")

	require.Len(t, h.verifier.calls, 1)
	assert.Equal(t, "39.98", h.verifier.calls[0].Amount.StringFixed(2))

	sess, err := h.engine.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.State.Status)
	require.Len(t, sess.History, 3)
	assert.Equal(t, RoleUser, sess.History[0].Role)
	assert.Equal(t, "Purchase request: 2x tshirt", sess.History[0].Content)
}

func TestEngine_InsufficientStock(t *testing.T) {
	h := newHarness(t)

	out := h.submit(t, RequestedItem{Name: "tshirt", Quantity: 100})

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.False(t, out.State.ReservationApplied)
	assert.Nil(t, out.PaymentRequest)
	require.Len(t, out.Replies, 1)
	assert.Contains(t, out.Replies[0], "tshirt")
	assert.Contains(t, out.Replies[0], "100 requested")
	assert.Contains(t, out.Replies[0], "10 available")
	assert.Equal(t, 10, h.qty(t, "tshirt"))
}

func TestEngine_StockCheckSumsDuplicateLines(t *testing.T) {
	h := newHarness(t)

	out := h.submit(t,
		RequestedItem{Name: "tshirt", Quantity: 6},
		RequestedItem{Name: "T-Shirts", Quantity: 6},
	)

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.Contains(t, out.Replies[0], "12 requested, 10 available")
	assert.Equal(t, 10, h.qty(t, "tshirt"))
}

func TestEngine_PaymentFailureRestocks(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "jacket", Quantity: 1})
	assert.Equal(t, 2, h.qty(t, "jacket"))

	out, err := h.engine.Fail(context.Background(), testKey, payment.Failure{Reason: "insufficient funds"})
	require.NoError(t, err)

	assert.Equal(t, StatusRestocked, out.State.Status)
	assert.Equal(t, PaymentFailed, out.State.PaymentStatus)
	assert.False(t, out.State.ReservationApplied)
	assert.Equal(t, []string{"jacket"}, out.State.RestockedItems)
	assert.Equal(t, 3, h.qty(t, "jacket"))
	require.Len(t, out.Replies, 1)
	assert.Contains(t, out.Replies[0], "Items restocked: jacket. Inventory restored.")
	assert.Contains(t, out.Replies[0], "insufficient funds")
}

func TestEngine_FailureAfterCompletionIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "hat", Quantity: 1})
	_, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)

	out, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "late"})
	require.NoError(t, err)
	assert.Empty(t, out.Replies)
	assert.Equal(t, StatusCompleted, out.State.Status)
	assert.Equal(t, 14, h.qty(t, "hat"))
}

func TestEngine_DuplicateSettlementIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	first, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)
	require.NotNil(t, first.Completion)

	second, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.Replies)
	assert.Nil(t, second.Completion)
	assert.Len(t, h.verifier.calls, 1)
	assert.Equal(t, 14, h.qty(t, "hat"))
}

func TestEngine_ConcurrentDuplicateSettlement(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.Settle(context.Background(), testKey, tx("tx-1"))
			assert.NoError(t, err)
			if out != nil && out.Completion != nil {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	assert.Len(t, h.verifier.calls, 1)
}

func TestEngine_ReservationRaceCompensates(t *testing.T) {
	h := newHarness(t)
	h.store.loseReserveFor = "hat"

	out := h.submit(t,
		RequestedItem{Name: "tshirt", Quantity: 2},
		RequestedItem{Name: "jeans", Quantity: 1},
		RequestedItem{Name: "hats", Quantity: 1},
	)

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.False(t, out.State.ReservationApplied)
	assert.Equal(t, 10, h.qty(t, "tshirt"))
	assert.Equal(t, 5, h.qty(t, "jeans"))
	assert.Equal(t, 15, h.qty(t, "hat"))
	require.Len(t, out.Replies, 1)
	assert.Equal(t, "Sorry, we don't have enough stock for: hats (1 requested, 15 available). Please adjust your order.", out.Replies[0])
}

func TestEngine_ValidationRejections(t *testing.T) {
	tests := []struct {
		name  string
		items []RequestedItem
		reply string
		err   string
	}{
		{name: "empty", items: nil, reply: msgNoItems, err: "no items"},
		{name: "zero quantity", items: []RequestedItem{{Name: "hat", Quantity: 0}}, reply: "not a valid quantity for hat"},
		{name: "negative quantity", items: []RequestedItem{{Name: "hat", Quantity: -2}}, reply: "not a valid quantity for hat"},
		{name: "blank name", items: []RequestedItem{{Name: " ", Quantity: 1}}, reply: "has no name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			out := h.submit(t, tt.items...)

			assert.Equal(t, StatusRejected, out.State.Status)
			require.Len(t, out.Replies, 1)
			assert.Contains(t, out.Replies[0], tt.reply)
			if tt.err != "" {
				assert.Equal(t, tt.err, out.State.Error)
			}
			assert.Equal(t, 15, h.qty(t, "hat"))
		})
	}
}

func TestEngine_PaymentNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.verifier.ready = errors.New("no api key")

	out := h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.Equal(t, []string{msgPaymentNotConfigured}, out.Replies)
	assert.Equal(t, 15, h.qty(t, "hat"))
}

func TestEngine_VerifierUnavailableKeepsOrderCompensable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "hat", Quantity: 1})
	h.verifier.err = fmt.Errorf("%w: timeout", payment.ErrUnavailable)

	out, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPayment, out.State.Status)
	assert.Equal(t, []string{msgPaymentUnavailable}, out.Replies)
	assert.Contains(t, out.State.Error, "timeout")
	assert.NotContains(t, out.Replies[0], "timeout")
	assert.Nil(t, out.Completion)

	h.verifier.err = nil
	retry, err := h.engine.Settle(ctx, testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate, "marker must be released after a failed verification")
	assert.Equal(t, StatusCompleted, retry.State.Status)
	assert.Empty(t, retry.State.Error)
}

func TestEngine_VerifierRejectionRestocksAndDeclines(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "shoes", Quantity: 2})
	h.verifier.err = fmt.Errorf("%w: bad signature", payment.ErrRejected)

	out, err := h.engine.Settle(context.Background(), testKey, tx("forged"))
	require.NoError(t, err)

	assert.Equal(t, StatusRestocked, out.State.Status)
	require.NotNil(t, out.Decline)
	assert.Equal(t, "payment verification failed", out.Decline.Reason)
	assert.Nil(t, out.Completion)
	assert.Equal(t, 8, h.qty(t, "shoes"))
}

func TestEngine_SettlementForUnknownOrder(t *testing.T) {
	h := newHarness(t)

	out, err := h.engine.Settle(context.Background(), testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgOrderNotFound}, out.Replies)
	require.NotNil(t, out.Decline)
	assert.Empty(t, h.verifier.calls)
}

func TestEngine_SettlementForRejectedOrder(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "tshirt", Quantity: 100})

	out, err := h.engine.Settle(context.Background(), testKey, tx("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgNotAwaitingPayment}, out.Replies)
	require.NotNil(t, out.Decline)
	assert.Empty(t, h.verifier.calls)
}

func TestEngine_MissingTransactionID(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Settle(context.Background(), testKey, payment.Settlement{})
	assert.ErrorIs(t, err, ErrMissingTxID)
}

func TestEngine_InvalidKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Submit(context.Background(), Key{CounterpartyID: "x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEngine_NewRequestSupersedesReservedOrder(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "jacket", Quantity: 2})
	assert.Equal(t, 1, h.qty(t, "jacket"))

	out := h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	assert.Equal(t, StatusAwaitingPayment, out.State.Status)
	assert.Equal(t, "order-2", out.State.OrderID)
	assert.Equal(t, 3, h.qty(t, "jacket"), "superseded reservation must be released")
	assert.Equal(t, 14, h.qty(t, "hat"))
}

func TestEngine_NewRequestFinishesInterruptedCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "jacket", Quantity: 2})

	// payment_failed is saved, then both the restock and the final save fail.
	h.store.restockErr = errors.New("connection reset")
	h.repo.saveErrs = []error{nil, errors.New("redis timeout")}
	_, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "declined"})
	require.Error(t, err)
	require.Equal(t, 1, h.qty(t, "jacket"))

	h.store.restockErr = nil
	out := h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	assert.Equal(t, StatusAwaitingPayment, out.State.Status)
	assert.Equal(t, 3, h.qty(t, "jacket"), "stock of the half compensated order must come back")
	assert.Equal(t, 14, h.qty(t, "hat"))
}

func TestEngine_SupersededOrderIsRestockedOnce(t *testing.T) {
	lost := errors.New("redis timeout")
	tests := []struct {
		name     string
		saveErrs []error
		stored   Status
	}{
		{"new order save lost", []error{nil, lost}, StatusRestocked},
		{"superseded order save lost", []error{lost}, StatusAwaitingPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.submit(t, RequestedItem{Name: "jacket", Quantity: 2})

			h.repo.saveErrs = tt.saveErrs
			_, err := h.engine.Submit(ctx, testKey, []RequestedItem{{Name: "hat", Quantity: 1}})
			require.Error(t, err)
			assert.Equal(t, 3, h.qty(t, "jacket"))
			assert.Equal(t, 15, h.qty(t, "hat"))

			sess, err := h.engine.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, "order-1", sess.State.OrderID)
			assert.Equal(t, tt.stored, sess.State.Status)

			out, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: ReasonDeadlineExpired})
			require.NoError(t, err)
			assert.Equal(t, StatusRestocked, out.State.Status)
			assert.Equal(t, 3, h.qty(t, "jacket"), "released stock must not be returned again")
		})
	}
}

func TestEngine_RetriedFailureAfterLostSaveRestocksOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "hat", Quantity: 3})
	require.Equal(t, 12, h.qty(t, "hat"))

	// The payment_failed checkpoint lands, the final save does not.
	h.repo.saveErrs = []error{nil, errors.New("redis timeout")}
	_, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "declined"})
	require.Error(t, err)
	assert.Equal(t, 15, h.qty(t, "hat"))

	out, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "declined"})
	require.NoError(t, err)
	assert.Equal(t, StatusRestocked, out.State.Status)
	assert.False(t, out.State.ReservationApplied)
	assert.Equal(t, []string{"hat"}, out.State.RestockedItems)
	assert.Equal(t, 15, h.qty(t, "hat"), "a retried failure must not restock twice")
}

func TestEngine_FailedRestockIsRetriedAfterLostSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "hat", Quantity: 3})

	h.store.restockErr = errors.New("connection reset")
	h.repo.saveErrs = []error{nil, errors.New("redis timeout")}
	_, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "declined"})
	require.Error(t, err)
	assert.Equal(t, 12, h.qty(t, "hat"))

	h.store.restockErr = nil
	out, err := h.engine.Fail(ctx, testKey, payment.Failure{Reason: "declined"})
	require.NoError(t, err)
	assert.Equal(t, StatusRestocked, out.State.Status)
	assert.Equal(t, 15, h.qty(t, "hat"))
}

func TestEngine_RestockFailureIsRecordedAsAnomaly(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "hat", Quantity: 1})
	h.store.restockErr = errors.New("disk full")

	out, err := h.engine.Fail(context.Background(), testKey, payment.Failure{Reason: "declined"})
	require.NoError(t, err)

	assert.Equal(t, StatusRestocked, out.State.Status)
	assert.True(t, out.State.ReservationApplied)
	require.Len(t, out.State.Anomalies, 1)
	assert.Contains(t, out.State.Anomalies[0], "disk full")
	assert.Contains(t, out.Replies[0], "flagged for review")
	assert.NotContains(t, out.Replies[0], "disk full")
}

func TestEngine_StorageFaultDuringStockCheck(t *testing.T) {
	h := newHarness(t)
	h.store.batchErr = fmt.Errorf("%w: connection refused", inventory.ErrStorage)

	out := h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.Equal(t, []string{MsgGenericFailure}, out.Replies)
	assert.Contains(t, out.State.Error, "connection refused")
}

func TestEngine_StorageFaultDuringReserveCompensates(t *testing.T) {
	h := newHarness(t)
	h.store.reserveErr = fmt.Errorf("%w: timeout", inventory.ErrStorage)

	out := h.submit(t, RequestedItem{Name: "hat", Quantity: 1})

	assert.Equal(t, StatusRejected, out.State.Status)
	assert.Equal(t, []string{MsgGenericFailure}, out.Replies)
	assert.Equal(t, 15, h.qty(t, "hat"))
}

func TestEngine_UnsavedReservationIsReleased(t *testing.T) {
	h := newHarness(t)
	h.repo.saveErr = errors.New("redis down")

	_, err := h.engine.Submit(context.Background(), testKey, []RequestedItem{{Name: "hat", Quantity: 3}})

	require.Error(t, err)
	assert.Equal(t, 15, h.qty(t, "hat"))
}

func TestEngine_ResumesFromPersistedState(t *testing.T) {
	h := newHarness(t)
	h.submit(t, RequestedItem{Name: "jeans", Quantity: 2})

	// A second engine sharing only the store and repository finishes the order.
	other, err := NewEngine(Dependencies{
		Resolver: catalog.Default().Resolver(),
		Store:    h.store,
		Repo:     h.repo,
		Verifier: payment.StubVerifier{},
		Logger:   zaptest.NewLogger(t),
		Tracer:   tracenoop.NewTracerProvider().Tracer("test"),
		Meter:    metricnoop.NewMeterProvider().Meter("test"),
	}, Settings{Currency: "USDC", Deadline: time.Minute})
	require.NoError(t, err)

	out, err := other.Settle(context.Background(), testKey, tx("tx-9"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.State.Status)
	assert.Equal(t, 3, h.qty(t, "jeans"))
}

func TestEngine_ExpireOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "jacket", Quantity: 3})
	assert.Equal(t, 0, h.qty(t, "jacket"))

	outs, err := h.engine.ExpireOverdue(ctx, h.now.Add(299*time.Second))
	require.NoError(t, err)
	assert.Empty(t, outs)

	h.now = h.now.Add(301 * time.Second)
	outs, err = h.engine.ExpireOverdue(ctx, h.now)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusRestocked, outs[0].State.Status)
	assert.Equal(t, ReasonDeadlineExpired, outs[0].State.FailureReason)
	assert.Equal(t, 3, h.qty(t, "jacket"))

	// Expired orders leave the index.
	outs, err = h.engine.ExpireOverdue(ctx, h.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestEngine_ExpireOverdueDropsStaleIndexEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, RequestedItem{Name: "jacket", Quantity: 3})

	// A finished order still indexed, then a full batch of expired sessions.
	done := Key{CounterpartyID: "buyer-2", ConversationID: "conv-2"}
	require.NoError(t, h.repo.MemoryRepository.Save(ctx, &Session{Key: done, State: &State{Key: done, Status: StatusCompleted}}))
	h.repo.stale = []Key{done}
	for i := 0; i < expiryBatchSize; i++ {
		h.repo.stale = append(h.repo.stale, Key{CounterpartyID: fmt.Sprintf("gone-%d", i), ConversationID: "conv"})
	}
	h.now = h.now.Add(301 * time.Second)

	outs, err := h.engine.ExpireOverdue(ctx, h.now)
	require.NoError(t, err)
	assert.Empty(t, outs)
	assert.Len(t, h.repo.stale, 1)

	outs, err = h.engine.ExpireOverdue(ctx, h.now)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusRestocked, outs[0].State.Status)
	assert.Equal(t, 3, h.qty(t, "jacket"))
	assert.Empty(t, h.repo.stale)
}

func TestEngine_FixedChargePolicy(t *testing.T) {
	h := newHarness(t)
	h.engine.settings.Charge = payment.ChargePolicy{Mode: payment.ChargeFixed, Fixed: decimal.RequireFromString("0.001")}

	out := h.submit(t, RequestedItem{Name: "tshirt", Quantity: 2})

	assert.Equal(t, "0.001", out.PaymentRequest.Amount.String())
	assert.Contains(t, out.PaymentRequest.Description, "Total: $39.98 USDC")
}
