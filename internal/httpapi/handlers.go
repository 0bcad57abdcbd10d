package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fulfillmentservice/internal/order"
	"fulfillmentservice/internal/platform/observability"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type handlers struct {
	stock  InventoryReader
	orders OrderReader
	logger observability.Logger
}

type itemResponse struct {
	ItemID         string          `json:"item_id"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) getItem(c *gin.Context) {
	rec, found, err := h.stock.Lookup(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		h.internalError(c, "lookup item", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return
	}
	c.JSON(http.StatusOK, itemResponse{
		ItemID:         rec.ItemID,
		QuantityOnHand: rec.QuantityOnHand,
		UnitPrice:      rec.UnitPrice,
	})
}

// listInventory answers GET /inventory?items=a,b. Unknown items report
// zero quantity and zero price.
func (h *handlers) listInventory(c *gin.Context) {
	var ids []string
	for _, raw := range strings.Split(c.Query("items"), ",") {
		if id := strings.TrimSpace(raw); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items query parameter is required"})
		return
	}

	ctx := c.Request.Context()
	quantities, err := h.stock.QuantitiesBatch(ctx, ids)
	if err != nil {
		h.internalError(c, "batch quantities", err)
		return
	}
	prices, err := h.stock.PricesBatch(ctx, ids)
	if err != nil {
		h.internalError(c, "batch prices", err)
		return
	}

	items := make([]itemResponse, 0, len(ids))
	for _, id := range ids {
		items = append(items, itemResponse{
			ItemID:         id,
			QuantityOnHand: quantities[id],
			UnitPrice:      prices[id],
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handlers) getOrder(c *gin.Context) {
	key := order.Key{
		CounterpartyID: c.Param("counterpartyId"),
		ConversationID: c.Param("conversationId"),
	}

	sess, err := h.orders.Get(c.Request.Context(), key)
	if errors.Is(err, order.ErrNotFound) || (err == nil && sess.State == nil) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		h.internalError(c, "load order", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("❌ HTTP request failed", zap.String("operation", op), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
