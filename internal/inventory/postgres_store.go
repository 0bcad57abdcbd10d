package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillmentservice/internal/catalog"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type inventoryRow struct {
	ItemID         string          `gorm:"column:item_id;primaryKey"`
	QuantityOnHand int             `gorm:"column:quantity_on_hand;not null;check:quantity_on_hand >= 0"`
	UnitPrice      decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (inventoryRow) TableName() string { return "inventory" }

func (r inventoryRow) record() Record {
	return Record{ItemID: r.ItemID, QuantityOnHand: r.QuantityOnHand, UnitPrice: r.UnitPrice}
}

// Models lists the tables owned by this package for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&inventoryRow{}}
}

// PostgresStore keeps inventory in the "inventory" table. Reserve and restock
// are single conditional UPDATE statements, so concurrent writers never
// oversell or lose an update.
type PostgresStore struct {
	db       *gorm.DB
	resolver NameResolver
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *gorm.DB, resolver NameResolver) *PostgresStore {
	return &PostgresStore{db: db, resolver: resolver}
}

func storageErr(op, itemID string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrStorage, op, itemID, err)
}

func (s *PostgresStore) take(ctx context.Context, query string, arg string) (*inventoryRow, error) {
	var row inventoryRow
	err := s.db.WithContext(ctx).Where(query, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// find returns nil when no tier matches.
func (s *PostgresStore) find(ctx context.Context, itemID string) (*inventoryRow, error) {
	row, err := s.take(ctx, "item_id = ?", itemID)
	if err != nil || row != nil {
		return row, err
	}

	if s.resolver != nil {
		if resolved := s.resolver.Resolve(itemID); resolved != itemID {
			row, err = s.take(ctx, "item_id = ?", resolved)
			if err != nil || row != nil {
				return row, err
			}
		}
	}

	return s.take(ctx, "LOWER(item_id) = LOWER(?)", itemID)
}

func (s *PostgresStore) Lookup(ctx context.Context, itemID string) (Record, bool, error) {
	row, err := s.find(ctx, itemID)
	if err != nil {
		return Record{}, false, storageErr("lookup", itemID, err)
	}
	if row == nil {
		return Record{}, false, nil
	}
	return row.record(), true, nil
}

func (s *PostgresStore) Quantity(ctx context.Context, itemID string) (int, error) {
	rec, _, err := s.Lookup(ctx, itemID)
	return rec.QuantityOnHand, err
}

// batch fetches exact matches in one query and falls back to the tiered
// lookup for the misses.
func (s *PostgresStore) batch(ctx context.Context, itemIDs []string) (map[string]*inventoryRow, error) {
	out := make(map[string]*inventoryRow, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}

	var rows []inventoryRow
	if err := s.db.WithContext(ctx).Where("item_id IN ?", itemIDs).Find(&rows).Error; err != nil {
		return nil, storageErr("batch", fmt.Sprint(itemIDs), err)
	}
	byID := make(map[string]*inventoryRow, len(rows))
	for i := range rows {
		byID[rows[i].ItemID] = &rows[i]
	}

	for _, id := range itemIDs {
		if row, ok := byID[id]; ok {
			out[id] = row
			continue
		}
		row, err := s.find(ctx, id)
		if err != nil {
			return nil, storageErr("batch", id, err)
		}
		out[id] = row
	}
	return out, nil
}

func (s *PostgresStore) QuantitiesBatch(ctx context.Context, itemIDs []string) (map[string]int, error) {
	rows, err := s.batch(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for id, row := range rows {
		if row != nil {
			out[id] = row.QuantityOnHand
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (s *PostgresStore) PricesBatch(ctx context.Context, itemIDs []string) (map[string]decimal.Decimal, error) {
	rows, err := s.batch(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for id, row := range rows {
		if row != nil {
			out[id] = row.UnitPrice
		} else {
			out[id] = decimal.Zero
		}
	}
	return out, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, itemID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	row, err := s.find(ctx, itemID)
	if err != nil {
		return false, storageErr("reserve", itemID, err)
	}
	if row == nil {
		return false, nil
	}

	res := s.db.WithContext(ctx).
		Model(&inventoryRow{}).
		Where("item_id = ? AND quantity_on_hand >= ?", row.ItemID, qty).
		Update("quantity_on_hand", gorm.Expr("quantity_on_hand - ?", qty))
	if res.Error != nil {
		return false, storageErr("reserve", itemID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) Restock(ctx context.Context, itemID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	row, err := s.find(ctx, itemID)
	if err != nil {
		return false, storageErr("restock", itemID, err)
	}
	if row == nil {
		return false, nil
	}

	res := s.db.WithContext(ctx).
		Model(&inventoryRow{}).
		Where("item_id = ?", row.ItemID).
		Update("quantity_on_hand", gorm.Expr("quantity_on_hand + ?", qty))
	if res.Error != nil {
		return false, storageErr("restock", itemID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) Seed(ctx context.Context, items []catalog.Item) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&inventoryRow{}).Count(&count).Error; err != nil {
			return err
		}

		if count == 0 {
			if len(items) == 0 {
				return nil
			}
			rows := make([]inventoryRow, 0, len(items))
			now := time.Now().UTC()
			for _, it := range items {
				rows = append(rows, inventoryRow{
					ItemID:         it.ID,
					QuantityOnHand: it.Quantity,
					UnitPrice:      it.Price,
					UpdatedAt:      now,
				})
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		}

		for _, it := range items {
			err := tx.Model(&inventoryRow{}).
				Where("item_id = ? AND (unit_price IS NULL OR unit_price = 0)", it.ID).
				Update("unit_price", it.Price).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("seed", "catalog", err)
	}
	return nil
}
