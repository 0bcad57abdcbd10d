package messaging

// Inbound

type OrderRequestedEvent struct {
	CounterpartyID string          `json:"counterparty_id"`
	ConversationID string          `json:"conversation_id"`
	Items          []RequestedItem `json:"items"`
}

type RequestedItem struct {
	ItemName string `json:"item_name"`
	Quantity int    `json:"quantity"`
}

type PaymentCommittedEvent struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
}

type PaymentRejectedEvent struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

// Outbound

type ChatReplyEvent struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type PaymentRequestedEvent struct {
	CounterpartyID  string            `json:"counterparty_id"`
	ConversationID  string            `json:"conversation_id"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency"`
	PaymentMethod   string            `json:"payment_method"`
	Recipient       string            `json:"recipient"`
	DeadlineSeconds int               `json:"deadline_seconds"`
	Reference       string            `json:"reference"`
	Description     string            `json:"description"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type PaymentCompletedEvent struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
	TransactionID  string `json:"transaction_id"`
}

type PaymentDeclinedEvent struct {
	CounterpartyID string `json:"counterparty_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}
