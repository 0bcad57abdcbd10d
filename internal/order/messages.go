package order

import (
	"encoding/json"
	"fmt"
	"strings"

	"fulfillmentservice/internal/payment"

	"github.com/shopspring/decimal"
)

const (
	msgNoItems              = "Sorry, your order has no items. Please tell us which items and quantities you would like."
	MsgGenericFailure       = "Sorry, something went wrong while processing your order. Please try again or contact support."
	msgPaymentNotConfigured = "Payment service not configured. Please contact support."
	msgPaymentUnavailable   = "We could not confirm your payment right now. Please try again or contact support."
	msgOrderNotFound        = "Payment received, but order details not found. Please contact support."
	msgNotAwaitingPayment   = "This order is no longer awaiting payment. Please contact support if you were charged."
	msgRestockAnomaly       = " Some items could not be restocked and have been flagged for review."

	// ReasonDeadlineExpired is recorded when the sweeper fails an order.
	ReasonDeadlineExpired = "payment deadline expired"
	reasonVerification    = "payment verification failed"
	reasonSuperseded      = "superseded by a new order"
)

type shortage struct {
	name      string
	requested int
	available int
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func requestSummary(items []RequestedItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, it.Name))
	}
	return "Purchase request: " + strings.Join(parts, ", ")
}

func invalidQuantityMessage(it RequestedItem) string {
	if strings.TrimSpace(it.Name) == "" {
		return "Sorry, one of the items in your order has no name. Please check your order."
	}
	return fmt.Sprintf("Sorry, %d is not a valid quantity for %s. Please order at least 1.", it.Quantity, it.Name)
}

func stockMessage(short []shortage) string {
	parts := make([]string, 0, len(short))
	for _, s := range short {
		parts = append(parts, fmt.Sprintf("%s (%d requested, %d available)", s.name, s.requested, s.available))
	}
	return fmt.Sprintf("Sorry, we don't have enough stock for: %s. Please adjust your order.", strings.Join(parts, ", "))
}

func reservedMessage(st *State, currency string) string {
	return fmt.Sprintf("Inventory updated. Items reserved: %s. Total: %s %s. Please complete the payment to finish your order.",
		st.Summary(), money(st.Total), currency)
}

func completedMessage(st *State) string {
	return fmt.Sprintf("Order completed successfully! Your purchase of %s has been processed. Thank you for your order!", st.Summary())
}

func restockedMessage(st *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment was not completed (%s).", st.FailureReason)
	if len(st.RestockedItems) > 0 {
		fmt.Fprintf(&b, " Items restocked: %s. Inventory restored.", strings.Join(st.RestockedItems, ", "))
	}
	if len(st.Anomalies) > 0 {
		b.WriteString(msgRestockAnomaly)
	}
	return b.String()
}

type pricedItem struct {
	ItemName   string `json:"item_name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
	TotalPrice string `json:"total_price"`
}

func paymentDescription(st *State, currency string) string {
	parts := make([]string, 0, len(st.LineItems))
	for _, li := range st.LineItems {
		parts = append(parts, fmt.Sprintf("%dx %s @ %s each", li.Quantity, li.ItemID, money(li.UnitPrice)))
	}
	return fmt.Sprintf("Purchase: %s | Total: %s %s", strings.Join(parts, ", "), money(st.Total), currency)
}

func (e *Engine) paymentRequest(st *State) *payment.Request {
	priced := make([]pricedItem, 0, len(st.LineItems))
	for _, li := range st.LineItems {
		priced = append(priced, pricedItem{
			ItemName:   li.ItemID,
			Quantity:   li.Quantity,
			UnitPrice:  li.UnitPrice.StringFixed(2),
			TotalPrice: li.LineTotal.StringFixed(2),
		})
	}
	pricedJSON, _ := json.Marshal(priced)

	metadata := map[string]string{
		"order_id":          st.OrderID,
		"total_price":       st.Total.StringFixed(2),
		"items_with_prices": string(pricedJSON),
	}
	if e.settings.ServiceID != "" {
		metadata["skyfire_service_id"] = e.settings.ServiceID
	}

	return &payment.Request{
		Amount:      st.ChargeAmount,
		Currency:    e.settings.Currency,
		Method:      e.settings.Method,
		Recipient:   e.settings.Recipient,
		Deadline:    e.settings.Deadline,
		Reference:   st.OrderID,
		Description: paymentDescription(st, e.settings.Currency),
		Metadata:    metadata,
	}
}
