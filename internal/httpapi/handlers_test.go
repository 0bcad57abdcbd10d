package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillmentservice/internal/catalog"
	"fulfillmentservice/internal/inventory"
	"fulfillmentservice/internal/order"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubOrders struct {
	sessions map[order.Key]*order.Session
	err      error
}

func (s *stubOrders) Get(_ context.Context, key order.Key) (*order.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	sess, ok := s.sessions[key]
	if !ok {
		return nil, order.ErrNotFound
	}
	return sess, nil
}

type brokenStock struct{ *inventory.MemoryStore }

func (brokenStock) Lookup(context.Context, string) (inventory.Record, bool, error) {
	return inventory.Record{}, false, inventory.ErrStorage
}

func setupRouter(t *testing.T, stock InventoryReader, orders OrderReader) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(stock, orders, zaptest.NewLogger(t))
}

func seededStore(t *testing.T) *inventory.MemoryStore {
	t.Helper()
	cat := catalog.Default()
	store := inventory.NewMemoryStore(cat.Resolver())
	require.NoError(t, store.Seed(context.Background(), cat.Items))
	return store
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := setupRouter(t, seededStore(t), &stubOrders{})

	w := get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestGetItem(t *testing.T) {
	r := setupRouter(t, seededStore(t), &stubOrders{})

	tests := []struct {
		name   string
		path   string
		code   int
		itemID string
	}{
		{"exact", "/inventory/jeans", http.StatusOK, "jeans"},
		{"alias", "/inventory/T-Shirts", http.StatusOK, "tshirt"},
		{"case insensitive", "/inventory/HAT", http.StatusOK, "hat"},
		{"unknown", "/inventory/socks", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.path)
			require.Equal(t, tt.code, w.Code)
			if tt.itemID == "" {
				return
			}
			var body itemResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.itemID, body.ItemID)
			assert.Positive(t, body.QuantityOnHand)
		})
	}
}

func TestGetItem_StorageError(t *testing.T) {
	r := setupRouter(t, brokenStock{seededStore(t)}, &stubOrders{})

	w := get(r, "/inventory/jeans")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "storage")
}

func TestListInventory(t *testing.T) {
	r := setupRouter(t, seededStore(t), &stubOrders{})

	w := get(r, "/inventory?items=jacket,%20hat,socks")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []itemResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Items, 3)
	assert.Equal(t, 3, body.Items[0].QuantityOnHand)
	assert.True(t, body.Items[0].UnitPrice.Equal(decimal.RequireFromString("99.99")))
	assert.Equal(t, "hat", body.Items[1].ItemID)
	assert.Equal(t, 15, body.Items[1].QuantityOnHand)
	assert.Equal(t, 0, body.Items[2].QuantityOnHand)
	assert.True(t, body.Items[2].UnitPrice.IsZero())
}

func TestListInventory_RequiresItems(t *testing.T) {
	r := setupRouter(t, seededStore(t), &stubOrders{})

	w := get(r, "/inventory?items=")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrder(t *testing.T) {
	key := order.Key{CounterpartyID: "buyer-1", ConversationID: "conv-1"}
	orders := &stubOrders{sessions: map[order.Key]*order.Session{
		key: {
			Key: key,
			State: &order.State{
				Key:       key,
				OrderID:   "order-1",
				Status:    order.StatusAwaitingPayment,
				Total:     decimal.RequireFromString("39.98"),
				CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{CounterpartyID: "buyer-2", ConversationID: "empty"}: {},
	}}
	r := setupRouter(t, seededStore(t), orders)

	w := get(r, "/orders/buyer-1/conv-1")
	require.Equal(t, http.StatusOK, w.Code)
	var sess order.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "order-1", sess.State.OrderID)
	assert.Equal(t, order.StatusAwaitingPayment, sess.State.Status)

	assert.Equal(t, http.StatusNotFound, get(r, "/orders/buyer-9/conv-9").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/orders/buyer-2/empty").Code)
}

func TestGetOrder_RepositoryError(t *testing.T) {
	r := setupRouter(t, seededStore(t), &stubOrders{err: errors.New("redis down")})

	w := get(r, "/orders/buyer-1/conv-1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
