package order

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current status does
// not accept.
var ErrInvalidTransition = errors.New("invalid order transition")

type Event string

const (
	EventCheckStock     Event = "check_stock"
	EventInvalidRequest Event = "invalid_request"
	EventStockAvailable Event = "stock_available"
	EventStockShort     Event = "stock_short"
	EventReserved       Event = "reserved"
	EventReserveFailed  Event = "reserve_failed"
	EventPaymentSettled Event = "payment_settled"
	EventConfirmed      Event = "confirmed"
	EventPaymentFailed  Event = "payment_failed"
	EventRestocked      Event = "restocked"
)

var transitions = map[Status]map[Event]Status{
	StatusReceived: {
		EventCheckStock:     StatusStockChecking,
		EventInvalidRequest: StatusRejected,
	},
	StatusStockChecking: {
		EventStockAvailable: StatusReserved,
		EventStockShort:     StatusRejected,
	},
	StatusReserved: {
		EventReserved:      StatusAwaitingPayment,
		EventReserveFailed: StatusRejected,
	},
	StatusAwaitingPayment: {
		EventPaymentSettled: StatusSettled,
		EventPaymentFailed:  StatusPaymentFailed,
	},
	StatusSettled: {
		EventConfirmed: StatusCompleted,
	},
	StatusPaymentFailed: {
		EventRestocked: StatusRestocked,
	},
}

// Next returns the status reached from s on ev.
func Next(s Status, ev Event) (Status, error) {
	if next, ok := transitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
}
