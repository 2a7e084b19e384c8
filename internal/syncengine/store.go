package syncengine

import (
	"context"

	"github.com/alexjbarnes/ride-sync/internal/models"
)

// Store is the durable action table. Implementations must apply each
// UpdateStatus atomically for its row and return ListByStatus results
// oldest first (timestamp ascending, then id ascending).
type Store interface {
	// Insert persists a new action and returns it with its ID assigned.
	Insert(ctx context.Context, a models.SyncAction) (models.SyncAction, error)
	ListByStatus(ctx context.Context, status models.Status) ([]models.SyncAction, error)
	// Get returns errors.ErrActionNotFound for an unknown id.
	Get(ctx context.Context, id uint64) (models.SyncAction, error)
	UpdateStatus(ctx context.Context, id uint64, status models.Status, retryCount int, lastErr string) error
	DeleteByStatus(ctx context.Context, status models.Status) (int, error)
	CountByStatus(ctx context.Context, status models.Status) (int, error)
	// ResetStatus moves every row in from to to and returns how many moved.
	ResetStatus(ctx context.Context, from, to models.Status) (int, error)
}

// Reachability reports whether the backend is believed reachable.
type Reachability interface {
	Reachable() bool
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches an action's ClientRef to ctx for the
// delivery handler.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the ClientRef of the action being delivered,
// or "" outside a sync pass.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
