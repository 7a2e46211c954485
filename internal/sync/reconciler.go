package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages sync checkpoints.
type Reconciler struct {
	qs     *store.Queries
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{qs: db.Queries(), logger: logger}
}

// Checkpoint returns the time stored under key, or the zero time.
func (r *Reconciler) Checkpoint(ctx context.Context, key string) (time.Time, error) {
	v, err := r.qs.GetState(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %q: %w", key, err)
	}
	return t, nil
}

// Advance moves the checkpoint under key to t unless it is already later.
func (r *Reconciler) Advance(ctx context.Context, key string, t time.Time) error {
	current, err := r.Checkpoint(ctx, key)
	if err != nil {
		r.logger.Warn("unreadable checkpoint overwritten", zap.String("key", key), zap.Error(err))
	}
	if !current.IsZero() && !t.After(current) {
		return nil
	}
	return r.qs.SetState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
