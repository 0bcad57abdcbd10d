package order

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no session is stored for the key.
var ErrNotFound = errors.New("order session not found")

// Repository persists sessions between workflow steps. It assumes a single
// writer per key.
type Repository interface {
	Load(ctx context.Context, key Key) (*Session, error)
	Save(ctx context.Context, s *Session) error

	// ClaimSettlement marks txID as settled for key. It returns false when
	// the marker already existed.
	ClaimSettlement(ctx context.Context, key Key, txID string) (bool, error)
	ReleaseSettlement(ctx context.Context, key Key, txID string) error

	// ClaimRestock marks line of orderID as returned to inventory. It
	// returns false when an earlier attempt already returned it.
	ClaimRestock(ctx context.Context, key Key, orderID string, line int) (bool, error)
	ReleaseRestock(ctx context.Context, key Key, orderID string, line int) error

	// Overdue lists orders awaiting payment whose deadline is at or before now.
	Overdue(ctx context.Context, now time.Time, limit int) ([]Key, error)
	// Unindex drops key from the overdue index without touching the session.
	Unindex(ctx context.Context, key Key) error
}
