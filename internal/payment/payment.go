// Package payment defines the messages exchanged with the payment
// collaborator and the verifiers that confirm a committed payment.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected means the payment is definitively invalid: bad token,
	// wrong audience, declined charge.
	ErrRejected = errors.New("payment rejected")
	// ErrUnavailable means the verifier could not reach a decision.
	ErrUnavailable = errors.New("payment verifier unavailable")
)

// Request asks the counterparty to pay for a reserved order.
type Request struct {
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Method      string            `json:"payment_method"`
	Recipient   string            `json:"recipient"`
	Deadline    time.Duration     `json:"-"`
	Reference   string            `json:"reference"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Settlement is a commit signal from the payment collaborator.
type Settlement struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Method        string
}

// Failure is a rejection signal, either from the collaborator or from the
// deadline sweeper.
type Failure struct {
	Reason string
}

// Completion acknowledges a settled transaction to the collaborator.
type Completion struct {
	TransactionID string
}

// Decline tells the collaborator a committed payment was not accepted.
type Decline struct {
	Reason string
}

// Verifier confirms that a settlement is genuine and collects the funds.
// Implementations return an error wrapping ErrRejected or ErrUnavailable.
type Verifier interface {
	Verify(ctx context.Context, s Settlement) error
}

// StubVerifier accepts every settlement unless Err is set.
type StubVerifier struct {
	Err error
}

func (v StubVerifier) Verify(context.Context, Settlement) error {
	return v.Err
}

// ChargeMode selects how much of an order is actually charged.
type ChargeMode string

const (
	ChargeOrderTotal ChargeMode = "order_total"
	ChargeFixed      ChargeMode = "fixed"
)

// ChargePolicy decides the amount requested for an order.
type ChargePolicy struct {
	Mode  ChargeMode
	Fixed decimal.Decimal
}

func (p ChargePolicy) Amount(total decimal.Decimal) decimal.Decimal {
	if p.Mode == ChargeFixed {
		return p.Fixed
	}
	return total
}
