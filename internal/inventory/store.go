// Package inventory owns the stock table: quantities on hand and unit prices
// per item, with atomic reserve and restock.
package inventory

import (
	"context"
	"errors"

	"fulfillmentservice/internal/catalog"

	"github.com/shopspring/decimal"
)

// ErrStorage wraps every failure of the backing store. Business outcomes
// such as insufficient stock are reported through return values instead.
var ErrStorage = errors.New("inventory storage failure")

// Record is a single inventory row.
type Record struct {
	ItemID         string          `json:"item_id"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

// NameResolver maps a customer supplied name to a canonical item id.
type NameResolver interface {
	Resolve(raw string) string
}

// Store is the inventory table.
//
// Item ids are looked up exactly first, then by their resolved canonical
// name, then case-insensitively. Unknown items read as zero quantity and
// zero price and cannot be reserved or restocked.
type Store interface {
	Lookup(ctx context.Context, itemID string) (Record, bool, error)
	Quantity(ctx context.Context, itemID string) (int, error)
	QuantitiesBatch(ctx context.Context, itemIDs []string) (map[string]int, error)
	PricesBatch(ctx context.Context, itemIDs []string) (map[string]decimal.Decimal, error)

	// Reserve atomically decrements the on-hand quantity. It returns false
	// without mutating anything when the item is unknown or short.
	Reserve(ctx context.Context, itemID string, qty int) (bool, error)
	// Restock atomically increments the on-hand quantity. It returns false
	// when the item is unknown.
	Restock(ctx context.Context, itemID string, qty int) (bool, error)

	// Seed populates an empty table from the catalog. On a populated table it
	// only backfills missing prices and never touches quantities.
	Seed(ctx context.Context, items []catalog.Item) error
}
