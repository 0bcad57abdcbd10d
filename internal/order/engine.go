package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillmentservice/internal/inventory"
	"fulfillmentservice/internal/payment"
	"fulfillmentservice/internal/platform/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const expiryBatchSize = 100

var (
	ErrInvalidKey    = errors.New("invalid order key")
	ErrMissingTxID   = errors.New("settlement without transaction id")
	errNoLiveSession = errors.New("no live order for key")
)

// Settings are the payment terms attached to every order.
type Settings struct {
	Charge    payment.ChargePolicy
	Currency  string
	Method    string
	Recipient string
	Deadline  time.Duration
	ServiceID string
}

// Dependencies are the collaborators an Engine drives.
type Dependencies struct {
	Resolver inventory.NameResolver
	Store    inventory.Store
	Repo     Repository
	Verifier payment.Verifier
	Logger   observability.Logger
	Tracer   observability.Tracer
	Meter    metric.Meter
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator used for order ids.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Outcome is what one workflow step produced for the outside world.
type Outcome struct {
	Key            Key
	State          *State
	Replies        []string
	PaymentRequest *payment.Request
	Completion     *payment.Completion
	Decline        *payment.Decline
	// Duplicate is set when the signal was already applied and nothing happened.
	Duplicate bool
}

func (o *Outcome) reply(msg string) {
	o.Replies = append(o.Replies, msg)
}

// Engine runs orders through the workflow. Each step loads the session from
// the repository, applies one signal and saves it back, so any instance can
// resume any order.
type Engine struct {
	resolver inventory.NameResolver
	store    inventory.Store
	repo     Repository
	verifier payment.Verifier
	settings Settings
	logger   observability.Logger
	tracer   observability.Tracer
	outcomes metric.Int64Counter
	now      func() time.Time
	newID    func() string
}

// NewEngine creates an Engine and registers its transition counter on
// deps.Meter.
func NewEngine(deps Dependencies, settings Settings, opts ...Option) (*Engine, error) {
	counter, err := deps.Meter.Int64Counter("fulfillment.order.transitions",
		metric.WithDescription("Orders reaching a status after a workflow step"),
	)
	if err != nil {
		return nil, fmt.Errorf("create order counter: %w", err)
	}

	e := &Engine{
		resolver: deps.Resolver,
		store:    deps.Store,
		repo:     deps.Repo,
		verifier: deps.Verifier,
		settings: settings,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		outcomes: counter,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Get returns the stored session for key, or ErrNotFound.
func (e *Engine) Get(ctx context.Context, key Key) (*Session, error) {
	return e.repo.Load(ctx, key)
}

// Submit starts a new order for key, replacing any earlier order of the same
// conversation.
func (e *Engine) Submit(ctx context.Context, key Key, items []RequestedItem) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "order.submit", trace.WithAttributes(
		attribute.String("order.key", key.String()),
		attribute.Int("order.lines", len(items)),
	))
	defer span.End()

	if !key.Valid() {
		return nil, e.spanErr(span, ErrInvalidKey)
	}

	now := e.now()
	sess, err := e.repo.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		sess = &Session{Key: key}
	case err != nil:
		return nil, e.spanErr(span, fmt.Errorf("load session: %w", err))
	}
	sess.record(RoleUser, requestSummary(items), now)

	if err := e.supersede(ctx, sess); err != nil {
		return nil, e.spanErr(span, err)
	}

	st := &State{
		Key:           key,
		OrderID:       e.newID(),
		Status:        StatusReceived,
		PaymentStatus: PaymentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sess.State = st
	span.SetAttributes(attribute.String("order.id", st.OrderID))
	out := &Outcome{Key: key, State: st}

	e.runSubmit(ctx, st, items, out)

	if err := e.finish(ctx, sess, out); err != nil {
		if st.ReservationApplied {
			// The reservation is not durable anywhere; hand it back.
			e.restockLines(ctx, st, st.LineItems)
		}
		return nil, e.spanErr(span, err)
	}
	span.SetAttributes(attribute.String("order.status", string(st.Status)))
	span.SetStatus(codes.Ok, "order submitted")
	return out, nil
}

func (e *Engine) runSubmit(ctx context.Context, st *State, items []RequestedItem, out *Outcome) {
	if len(items) == 0 {
		e.reject(st, EventInvalidRequest, "no items")
		out.reply(msgNoItems)
		return
	}
	for _, it := range items {
		if it.Quantity < 1 || strings.TrimSpace(it.Name) == "" {
			e.reject(st, EventInvalidRequest, fmt.Sprintf("invalid line %q x%d", it.Name, it.Quantity))
			out.reply(invalidQuantityMessage(it))
			return
		}
	}
	if r, ok := e.verifier.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			e.reject(st, EventInvalidRequest, err.Error())
			out.reply(msgPaymentNotConfigured)
			return
		}
	}

	e.must(st.advance(EventCheckStock, e.now()))
	st.LineItems = make([]LineItem, 0, len(items))
	for _, it := range items {
		st.LineItems = append(st.LineItems, LineItem{
			RequestedName: it.Name,
			ItemID:        e.resolver.Resolve(it.Name),
			Quantity:      it.Quantity,
		})
	}
	ids := distinctIDs(st.LineItems)

	available, err := e.store.QuantitiesBatch(ctx, ids)
	if err != nil {
		e.storageFault(st, EventStockShort, err, out)
		return
	}
	if short := shortages(st.LineItems, available); len(short) > 0 {
		e.reject(st, EventStockShort, "")
		out.reply(stockMessage(short))
		return
	}
	e.must(st.advance(EventStockAvailable, e.now()))

	prices, err := e.store.PricesBatch(ctx, ids)
	if err != nil {
		e.storageFault(st, EventReserveFailed, err, out)
		return
	}
	total := decimal.Zero
	for i := range st.LineItems {
		li := &st.LineItems[i]
		li.UnitPrice = prices[li.ItemID]
		li.LineTotal = li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
		total = total.Add(li.LineTotal)
	}
	st.Total = total

	for i := range st.LineItems {
		li := st.LineItems[i]
		ok, err := e.store.Reserve(ctx, li.ItemID, li.Quantity)
		if err == nil && ok {
			continue
		}

		e.restockLines(ctx, st, st.LineItems[:i])
		if err != nil {
			e.storageFault(st, EventReserveFailed, err, out)
			return
		}

		// Lost a race with a concurrent order between check and reserve.
		left, qerr := e.store.Quantity(ctx, li.ItemID)
		if qerr != nil {
			left = 0
		}
		e.logger.Warn("Reservation lost to a concurrent order, compensated",
			zap.String("order_id", st.OrderID),
			zap.String("item_id", li.ItemID),
		)
		e.reject(st, EventReserveFailed, "")
		out.reply(stockMessage([]shortage{{name: li.RequestedName, requested: li.Quantity, available: left}}))
		return
	}

	st.ReservationApplied = true
	e.must(st.advance(EventReserved, e.now()))
	st.PaymentStatus = PaymentPending
	st.PaymentDeadline = e.now().Add(e.settings.Deadline)
	st.ChargeAmount = e.settings.Charge.Amount(st.Total)
	out.PaymentRequest = e.paymentRequest(st)
	out.reply(reservedMessage(st, e.settings.Currency))

	e.logger.Info("📦 Inventory reserved, awaiting payment",
		zap.String("order_id", st.OrderID),
		zap.String("items", st.Summary()),
		zap.String("total", st.Total.StringFixed(2)),
	)
}

// Settle applies a payment commit. A transaction already applied to this
// order is a no-op.
func (e *Engine) Settle(ctx context.Context, key Key, s payment.Settlement) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "order.settle", trace.WithAttributes(
		attribute.String("order.key", key.String()),
	))
	defer span.End()

	if !key.Valid() {
		return nil, e.spanErr(span, ErrInvalidKey)
	}
	if s.TransactionID == "" {
		return nil, e.spanErr(span, ErrMissingTxID)
	}

	claimed, err := e.repo.ClaimSettlement(ctx, key, s.TransactionID)
	if err != nil {
		return nil, e.spanErr(span, err)
	}
	if !claimed {
		e.logger.Info("Duplicate settlement ignored", zap.String("order_key", key.String()))
		span.SetAttributes(attribute.Bool("order.duplicate", true))
		return &Outcome{Key: key, Duplicate: true}, nil
	}

	out, err := e.settle(ctx, key, s)
	if err != nil || out.Completion == nil {
		e.release(ctx, key, s.TransactionID)
	}
	if err != nil {
		return nil, e.spanErr(span, err)
	}
	if out.State != nil {
		span.SetAttributes(attribute.String("order.status", string(out.State.Status)))
	}
	return out, nil
}

func (e *Engine) settle(ctx context.Context, key Key, s payment.Settlement) (*Outcome, error) {
	out := &Outcome{Key: key}

	sess, err := e.repo.Load(ctx, key)
	if errors.Is(err, ErrNotFound) || (err == nil && sess.State == nil) {
		e.logger.Warn("Payment received for unknown order", zap.String("order_key", key.String()))
		out.reply(msgOrderNotFound)
		out.Decline = &payment.Decline{Reason: errNoLiveSession.Error()}
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	st := sess.State
	out.State = st
	if st.Status != StatusAwaitingPayment {
		out.reply(msgNotAwaitingPayment)
		out.Decline = &payment.Decline{Reason: fmt.Sprintf("order is %s", st.Status)}
		return out, e.finish(ctx, sess, out)
	}

	if s.Amount.IsZero() {
		s.Amount = st.ChargeAmount
	}
	if err := e.verifier.Verify(ctx, s); err != nil {
		if errors.Is(err, payment.ErrRejected) {
			e.logger.Warn("Payment verification rejected", zap.String("order_id", st.OrderID), zap.Error(err))
			st.Error = err.Error()
			out.Decline = &payment.Decline{Reason: reasonVerification}
			return e.compensatePayment(ctx, sess, reasonVerification, out)
		}

		e.logger.Error("Payment verifier unavailable", zap.String("order_id", st.OrderID), zap.Error(err))
		st.Error = err.Error()
		st.UpdatedAt = e.now()
		out.reply(msgPaymentUnavailable)
		return out, e.finish(ctx, sess, out)
	}

	now := e.now()
	e.must(st.advance(EventPaymentSettled, now))
	st.PaymentStatus = PaymentSettled
	st.TransactionID = s.TransactionID
	st.Error = ""
	e.must(st.advance(EventConfirmed, now))

	out.Completion = &payment.Completion{TransactionID: s.TransactionID}
	out.reply(completedMessage(st))
	if err := e.finish(ctx, sess, out); err != nil {
		out.Completion = nil
		return nil, err
	}

	e.logger.Info("✅ Order completed", zap.String("order_id", st.OrderID), zap.String("items", st.Summary()))
	return out, nil
}

// Fail applies a payment failure: reserved stock goes back to inventory and
// the order ends restocked. Signals for orders not awaiting payment are
// ignored.
func (e *Engine) Fail(ctx context.Context, key Key, f payment.Failure) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "order.fail", trace.WithAttributes(
		attribute.String("order.key", key.String()),
		attribute.String("payment.failure_reason", f.Reason),
	))
	defer span.End()

	if !key.Valid() {
		return nil, e.spanErr(span, ErrInvalidKey)
	}

	sess, err := e.repo.Load(ctx, key)
	if errors.Is(err, ErrNotFound) || (err == nil && sess.State == nil) {
		e.logger.Warn("Payment failure for unknown order", zap.String("order_key", key.String()))
		return &Outcome{Key: key}, nil
	}
	if err != nil {
		return nil, e.spanErr(span, fmt.Errorf("load session: %w", err))
	}

	st := sess.State
	if st.Status != StatusAwaitingPayment && st.Status != StatusPaymentFailed {
		e.logger.Info("Payment failure ignored",
			zap.String("order_id", st.OrderID),
			zap.String("status", string(st.Status)),
		)
		return &Outcome{Key: key, State: st}, nil
	}

	reason := f.Reason
	if reason == "" {
		reason = "payment rejected"
	}
	out, err := e.compensatePayment(ctx, sess, reason, &Outcome{Key: key, State: st})
	if err != nil {
		return nil, e.spanErr(span, err)
	}
	span.SetAttributes(attribute.String("order.status", string(st.Status)))
	return out, nil
}

// compensatePayment drives awaiting_payment through payment_failed to
// restocked. The payment_failed state is saved before any restock so a
// crash resumes from there. A line goes back to inventory at most once
// across retries, see returnReservation.
func (e *Engine) compensatePayment(ctx context.Context, sess *Session, reason string, out *Outcome) (*Outcome, error) {
	st := sess.State
	out.State = st

	if st.Status == StatusAwaitingPayment {
		e.must(st.advance(EventPaymentFailed, e.now()))
		st.PaymentStatus = PaymentFailed
		st.FailureReason = reason
		if err := e.repo.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save payment failure: %w", err)
		}
	}

	if st.ReservationApplied {
		if err := e.returnReservation(ctx, st); err != nil {
			return nil, err
		}
	}
	e.must(st.advance(EventRestocked, e.now()))
	out.reply(restockedMessage(st))

	if err := e.finish(ctx, sess, out); err != nil {
		return nil, err
	}
	e.logger.Info("↩️ Order restocked after payment failure",
		zap.String("order_id", st.OrderID),
		zap.String("reason", reason),
		zap.Strings("restocked", st.RestockedItems),
	)
	return out, nil
}

// ExpireOverdue fails every order whose payment deadline has passed.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time) ([]*Outcome, error) {
	keys, err := e.repo.Overdue(ctx, now, expiryBatchSize)
	if err != nil {
		return nil, err
	}

	var (
		outcomes []*Outcome
		errs     error
	)
	for _, key := range keys {
		sess, err := e.repo.Load(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = errors.Join(errs, err)
			continue
		}
		// Entries whose session expired or moved on would otherwise fill
		// every batch.
		if err != nil || sess.State == nil || sess.State.Status != StatusAwaitingPayment {
			if err := e.repo.Unindex(ctx, key); err != nil {
				errs = errors.Join(errs, err)
			}
			continue
		}
		if sess.State.PaymentDeadline.After(now) {
			continue
		}

		out, err := e.Fail(ctx, key, payment.Failure{Reason: ReasonDeadlineExpired})
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("expire %s: %w", key, err))
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errs
}

// restockLines returns reservations that were never persisted.
func (e *Engine) restockLines(ctx context.Context, st *State, lines []LineItem) {
	for i := range lines {
		if !lines[i].Restocked {
			e.restockLine(ctx, st, &lines[i])
		}
	}
}

// returnReservation restocks the lines of a persisted order. Each line is
// claimed in the repository before it goes back, so a compensation retried
// after a lost save skips lines an earlier attempt already returned.
func (e *Engine) returnReservation(ctx context.Context, st *State) error {
	for i := range st.LineItems {
		li := &st.LineItems[i]
		if li.Restocked {
			continue
		}
		claimed, err := e.repo.ClaimRestock(ctx, st.Key, st.OrderID, i)
		if err != nil {
			return err
		}
		if !claimed {
			li.Restocked = true
			st.RestockedItems = append(st.RestockedItems, li.ItemID)
			continue
		}
		if e.restockLine(ctx, st, li) {
			continue
		}
		if err := e.repo.ReleaseRestock(ctx, st.Key, st.OrderID, i); err != nil {
			e.logger.Error("Failed to release restock marker",
				zap.String("order_id", st.OrderID),
				zap.Int("line", i),
				zap.Error(err),
			)
		}
	}
	st.ReservationApplied = unrestocked(st.LineItems)
	return nil
}

// restockLine returns one line to inventory, recording a failure as an
// anomaly on the order.
func (e *Engine) restockLine(ctx context.Context, st *State, li *LineItem) bool {
	ok, err := e.store.Restock(ctx, li.ItemID, li.Quantity)
	switch {
	case err != nil:
		st.Error = err.Error()
		st.Anomalies = append(st.Anomalies, fmt.Sprintf("restock %dx %s failed: %v", li.Quantity, li.ItemID, err))
	case !ok:
		st.Anomalies = append(st.Anomalies, fmt.Sprintf("restock %dx %s failed: unknown item", li.Quantity, li.ItemID))
	default:
		li.Restocked = true
		st.RestockedItems = append(st.RestockedItems, li.ItemID)
		return true
	}
	e.logger.Error("❌ Restock failed, inventory needs reconciliation",
		zap.String("order_id", st.OrderID),
		zap.String("item_id", li.ItemID),
		zap.Int("quantity", li.Quantity),
		zap.Error(err),
	)
	return false
}

func unrestocked(lines []LineItem) bool {
	for _, li := range lines {
		if !li.Restocked {
			return true
		}
	}
	return false
}

// supersede closes out an earlier order of the conversation that still
// holds stock, including one whose payment failure was only half
// compensated. It ends restocked and is saved before the new order replaces
// it, so no later signal can return the same stock again.
func (e *Engine) supersede(ctx context.Context, sess *Session) error {
	prev := sess.State
	if prev == nil || !prev.ReservationApplied {
		return nil
	}
	switch prev.Status {
	case StatusAwaitingPayment:
		e.must(prev.advance(EventPaymentFailed, e.now()))
		prev.PaymentStatus = PaymentFailed
		prev.FailureReason = reasonSuperseded
	case StatusPaymentFailed:
	default:
		return nil
	}

	if err := e.returnReservation(ctx, prev); err != nil {
		return err
	}
	e.must(prev.advance(EventRestocked, e.now()))
	if err := e.repo.Save(ctx, sess); err != nil {
		return fmt.Errorf("save superseded order: %w", err)
	}
	e.logger.Info("Superseded order released its reservation",
		zap.String("order_id", prev.OrderID),
		zap.Strings("restocked", prev.RestockedItems),
		zap.Strings("anomalies", prev.Anomalies),
	)
	return nil
}

func (e *Engine) reject(st *State, ev Event, internal string) {
	e.must(st.advance(ev, e.now()))
	if internal != "" {
		st.Error = internal
	}
}

func (e *Engine) storageFault(st *State, ev Event, err error, out *Outcome) {
	e.logger.Error("❌ Inventory storage failure", zap.String("order_id", st.OrderID), zap.Error(err))
	e.reject(st, ev, err.Error())
	out.reply(MsgGenericFailure)
}

// finish records replies in the history and saves the session.
func (e *Engine) finish(ctx context.Context, sess *Session, out *Outcome) error {
	now := e.now()
	for _, r := range out.Replies {
		sess.record(RoleAssistant, r, now)
	}
	if err := e.repo.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if sess.State != nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("order.status", string(sess.State.Status))))
	}
	return nil
}

func (e *Engine) release(ctx context.Context, key Key, txID string) {
	if err := e.repo.ReleaseSettlement(ctx, key, txID); err != nil {
		e.logger.Error("Failed to release settlement marker", zap.String("order_key", key.String()), zap.Error(err))
	}
}

func (e *Engine) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// must panics on transitions the engine itself guarantees are valid.
func (e *Engine) must(err error) {
	if err != nil {
		panic(err)
	}
}

func distinctIDs(lines []LineItem) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, li := range lines {
		if _, ok := seen[li.ItemID]; ok {
			continue
		}
		seen[li.ItemID] = struct{}{}
		ids = append(ids, li.ItemID)
	}
	return ids
}

// shortages sums requested quantities per item, so two lines for the same
// item are checked against the stock together.
func shortages(lines []LineItem, available map[string]int) []shortage {
	requested := make(map[string]int, len(lines))
	names := make(map[string]string, len(lines))
	order := make([]string, 0, len(lines))
	for _, li := range lines {
		if _, ok := requested[li.ItemID]; !ok {
			order = append(order, li.ItemID)
			names[li.ItemID] = li.RequestedName
		}
		requested[li.ItemID] += li.Quantity
	}

	var out []shortage
	for _, id := range order {
		if requested[id] > available[id] {
			out = append(out, shortage{name: names[id], requested: requested[id], available: available[id]})
		}
	}
	return out
}
