package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"fulfillmentservice/internal/catalog"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every Store implementation must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	seeded := func(t *testing.T) Store {
		s := newStore(t)
		require.NoError(t, s.Seed(ctx, catalog.Default().Items))
		return s
	}

	t.Run("seed populates catalog", func(t *testing.T) {
		s := seeded(t)

		rec, ok, err := s.Lookup(ctx, "jacket")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, rec.QuantityOnHand)
		assert.True(t, decimal.RequireFromString("99.99").Equal(rec.UnitPrice))
	})

	t.Run("seed is idempotent and keeps quantities", func(t *testing.T) {
		s := seeded(t)
		ok, err := s.Reserve(ctx, "tshirt", 4)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Seed(ctx, catalog.Default().Items))

		qty, err := s.Quantity(ctx, "tshirt")
		require.NoError(t, err)
		assert.Equal(t, 6, qty)
	})

	t.Run("tiered lookup", func(t *testing.T) {
		s := seeded(t)
		for _, name := range []string{"tshirt", "T-Shirts", "TSHIRT"} {
			qty, err := s.Quantity(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, 10, qty, name)
		}

		qty, err := s.Quantity(ctx, "widget")
		require.NoError(t, err)
		assert.Zero(t, qty)
	})

	t.Run("batch reads tolerate unknown items", func(t *testing.T) {
		s := seeded(t)

		qtys, err := s.QuantitiesBatch(ctx, []string{"hat", "widget", "Shoe"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"hat": 15, "widget": 0, "Shoe": 8}, qtys)

		prices, err := s.PricesBatch(ctx, []string{"hat", "widget"})
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("14.99").Equal(prices["hat"]))
		assert.True(t, prices["widget"].IsZero())
	})

	t.Run("reserve and restock round trip", func(t *testing.T) {
		s := seeded(t)

		ok, err := s.Reserve(ctx, "jeans", 2)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Restock(ctx, "jeans", 2)
		require.NoError(t, err)
		require.True(t, ok)

		qty, err := s.Quantity(ctx, "jeans")
		require.NoError(t, err)
		assert.Equal(t, 5, qty)
	})

	t.Run("reserve refuses shortfall without mutation", func(t *testing.T) {
		s := seeded(t)

		ok, err := s.Reserve(ctx, "jacket", 4)
		require.NoError(t, err)
		assert.False(t, ok)

		qty, err := s.Quantity(ctx, "jacket")
		require.NoError(t, err)
		assert.Equal(t, 3, qty)
	})

	t.Run("unknown items cannot be reserved or restocked", func(t *testing.T) {
		s := seeded(t)

		ok, err := s.Reserve(ctx, "widget", 1)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Restock(ctx, "widget", 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("restock has no upper bound", func(t *testing.T) {
		s := seeded(t)

		ok, err := s.Restock(ctx, "hat", 1000)
		require.NoError(t, err)
		require.True(t, ok)

		qty, err := s.Quantity(ctx, "hat")
		require.NoError(t, err)
		assert.Equal(t, 1015, qty)
	})

	t.Run("concurrent reservations never oversell", func(t *testing.T) {
		s := seeded(t)

		const workers = 20
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Reserve(ctx, "jacket", 1)
				assert.NoError(t, err)
				if ok {
					successes.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 3, successes.Load())
		qty, err := s.Quantity(ctx, "jacket")
		require.NoError(t, err)
		assert.Zero(t, qty)
	})
}
