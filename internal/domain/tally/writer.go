package tally

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Writer всегда создаёт новую версию. Возвращённый id может (и обычно будет) отличаться от входного.
type Writer struct {
	store Store
}

func NewWriter(store Store) *Writer { return &Writer{store: store} }

// WriteMetadata пишет reason/note. qty и location не передаются вовсе.
func (w *Writer) WriteMetadata(ctx context.Context, key string, reason ReasonCode, note *string) (*Entry, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, validationf("tally_card_number is required")
	}
	rc, err := ParseReason(string(reason))
	if err != nil {
		return nil, err
	}
	return w.store.InsertEntry(ctx, NewEntry{
		TallyCardNumber: key,
		ReasonCode:      rc,
		Note:            normalizeNote(note),
	})
}

// WriteAggregate копирует метаданные версии versionID и пишет ровно переданный агрегат.
func (w *Writer) WriteAggregate(ctx context.Context, versionID uuid.UUID, agg Aggregate) (*Entry, error) {
	if versionID == uuid.Nil {
		return nil, validationf("version id is required")
	}
	base, err := w.store.GetEntry(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return w.store.InsertEntry(ctx, NewEntry{
		TallyCardNumber: base.TallyCardNumber,
		ReasonCode:      base.ReasonCode,
		Note:            base.Note,
		MultiLocation:   agg.MultiLocation,
		Qty:             agg.Qty,
		Location:        agg.Location,
	})
}
