package tally

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Resolver struct {
	store Store
	log   *zap.Logger
}

func NewResolver(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve возвращает текущую версию ключа; nil, nil если ключ ни разу не писали.
func (r *Resolver) Resolve(ctx context.Context, key string) (*Entry, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, validationf("tally_card_number is required")
	}
	return r.store.LatestEntry(ctx, key)
}

// Verify никогда не доверяет id от клиента: текущая версия всегда выводится заново из ключа.
func (r *Resolver) Verify(ctx context.Context, key string, hint uuid.UUID) (*Entry, error) {
	cur, err := r.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if hint != uuid.Nil && (cur == nil || cur.ID != hint) {
		current := uuid.Nil
		if cur != nil {
			current = cur.ID
		}
		r.log.Debug("stale version hint",
			zap.String("tally_card_number", key),
			zap.Stringer("hint", hint),
			zap.Stringer("current", current))
	}
	return cur, nil
}
