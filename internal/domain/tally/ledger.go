package tally

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger { return &Ledger{store: store} }

// Replace не мёржит: строки previous... и versionID удаляются, rows вставляются заново с pos 1..N.
// Если удаление прошло, а вставка нет, у версии остаётся ноль строк; ledger это не чинит,
// вызывающий должен повторить Replace целиком.
func (l *Ledger) Replace(ctx context.Context, versionID uuid.UUID, rows []DesiredRow, previous ...uuid.UUID) ([]LocationRow, error) {
	if versionID == uuid.Nil {
		return nil, validationf("version id is required")
	}
	prepared, err := PrepareRows(rows)
	if err != nil {
		return nil, err
	}

	owners := make([]uuid.UUID, 0, len(previous)+1)
	seen := map[uuid.UUID]struct{}{}
	for _, id := range append(append([]uuid.UUID{}, previous...), versionID) {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		owners = append(owners, id)
	}

	for i := range prepared {
		prepared[i].EntryID = versionID
	}
	return l.store.ReplaceLocations(ctx, versionID, owners, prepared)
}

func (l *Ledger) Owners(ctx context.Context, key string) ([]uuid.UUID, error) {
	return l.store.LocationOwners(ctx, normalizeKey(key))
}

func (l *Ledger) Rows(ctx context.Context, versionID uuid.UUID) ([]LocationRow, error) {
	return l.store.ListLocations(ctx, versionID)
}

// PrepareRows валидирует набор и проставляет позиции. Количество может быть 0 или отрицательным.
func PrepareRows(rows []DesiredRow) ([]LocationRow, error) {
	if len(rows) == 0 {
		return nil, validationf("at least one location is required")
	}
	out := make([]LocationRow, 0, len(rows))
	for i, r := range rows {
		name := strings.TrimSpace(r.Location)
		if name == "" {
			return nil, validationf("row %d: location is blank", i+1)
		}
		out = append(out, LocationRow{Location: name, Qty: r.Qty, Pos: i + 1})
	}
	return out, nil
}
