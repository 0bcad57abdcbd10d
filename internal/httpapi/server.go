package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fulfillmentservice/internal/inventory"
	"fulfillmentservice/internal/order"
	"fulfillmentservice/internal/platform/observability"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InventoryReader is the read side of the inventory store.
type InventoryReader interface {
	Lookup(ctx context.Context, itemID string) (inventory.Record, bool, error)
	QuantitiesBatch(ctx context.Context, itemIDs []string) (map[string]int, error)
	PricesBatch(ctx context.Context, itemIDs []string) (map[string]decimal.Decimal, error)
}

// OrderReader loads the session of one conversation.
type OrderReader interface {
	Get(ctx context.Context, key order.Key) (*order.Session, error)
}

// Server is the operational HTTP surface: health, stock and order lookups.
type Server struct {
	srv    *http.Server
	logger observability.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, stock InventoryReader, orders OrderReader, logger observability.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(stock, orders, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter wires the routes onto a fresh gin engine.
func NewRouter(stock InventoryReader, orders OrderReader, logger observability.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{stock: stock, orders: orders, logger: logger}
	r.GET("/health", h.health)

	inv := r.Group("/inventory")
	{
		inv.GET("", h.listInventory)
		inv.GET("/:itemId", h.getItem)
	}
	r.GET("/orders/:counterpartyId/:conversationId", h.getOrder)
	return r
}

// Start blocks until the listener fails or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Debug("http_request", fields...)
		}
	}
}
