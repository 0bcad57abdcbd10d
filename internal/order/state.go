// Package order drives a purchase through stock verification, reservation,
// payment and either completion or compensation.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const keySeparator = "::"

// Key identifies the live order of one conversation with one counterparty.
type Key struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
}

func (k Key) String() string {
	return k.CounterpartyID + keySeparator + k.ConversationID
}

func (k Key) Valid() bool {
	return k.CounterpartyID != "" && k.ConversationID != ""
}

func ParseKey(s string) (Key, error) {
	cp, conv, ok := strings.Cut(s, keySeparator)
	k := Key{CounterpartyID: cp, ConversationID: conv}
	if !ok || !k.Valid() {
		return Key{}, fmt.Errorf("malformed order key %q", s)
	}
	return k, nil
}

type Status string

const (
	StatusReceived        Status = "received"
	StatusStockChecking   Status = "stock_checking"
	StatusRejected        Status = "rejected"
	StatusReserved        Status = "reserved"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusSettled         Status = "settled"
	StatusPaymentFailed   Status = "payment_failed"
	StatusCompleted       Status = "completed"
	StatusRestocked       Status = "restocked"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusRestocked:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentNone    PaymentStatus = "none"
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
)

// RequestedItem is one line as the counterparty asked for it.
type RequestedItem struct {
	Name     string `json:"item_name"`
	Quantity int    `json:"quantity"`
}

type LineItem struct {
	RequestedName string          `json:"requested_name"`
	ItemID        string          `json:"resolved_item_id"`
	Quantity      int             `json:"requested_quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
	Restocked     bool            `json:"restocked,omitempty"`
}

// State is the persisted record of one order. Everything needed to resume
// the workflow after a restart lives here.
type State struct {
	Key                Key             `json:"order_key"`
	OrderID            string          `json:"order_id"`
	LineItems          []LineItem      `json:"line_items"`
	Status             Status          `json:"status"`
	ReservationApplied bool            `json:"reservation_applied"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	Total              decimal.Decimal `json:"total"`
	ChargeAmount       decimal.Decimal `json:"charge_amount"`
	PaymentDeadline    time.Time       `json:"payment_deadline,omitempty"`
	TransactionID      string          `json:"transaction_id,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	RestockedItems     []string        `json:"restocked_items,omitempty"`
	Anomalies          []string        `json:"anomalies,omitempty"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// advance applies ev through the transition table.
func (s *State) advance(ev Event, now time.Time) error {
	next, err := Next(s.Status, ev)
	if err != nil {
		return err
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

// Summary renders the lines as "2x tshirt, 1x hat".
func (s *State) Summary() string {
	parts := make([]string, 0, len(s.LineItems))
	for _, li := range s.LineItems {
		parts = append(parts, fmt.Sprintf("%dx %s", li.Quantity, li.ItemID))
	}
	return strings.Join(parts, ", ")
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is what the repository stores per key: the live order plus the
// conversation that produced it.
type Session struct {
	Key     Key       `json:"key"`
	State   *State    `json:"state,omitempty"`
	History []Message `json:"history,omitempty"`
}

func (s *Session) record(role Role, content string, at time.Time) {
	s.History = append(s.History, Message{Role: role, Content: content, At: at})
}
