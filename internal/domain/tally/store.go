package tally

import (
	"context"

	"github.com/google/uuid"
)

// Store: слой хранения. Из записей только два примитива:
// вставка новой версии и «удалить по владельцу + вставить пачкой».
type Store interface {
	// LatestEntry возвращает текущую версию по (updated_at, id); nil, nil если ключа нет.
	LatestEntry(ctx context.Context, key string) (*Entry, error)
	// GetEntry: nil, nil если версии нет.
	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListEntries: все версии ключа, новые первыми.
	ListEntries(ctx context.Context, key string) ([]Entry, error)
	InsertEntry(ctx context.Context, e NewEntry) (*Entry, error)

	ListLocations(ctx context.Context, entryID uuid.UUID) ([]LocationRow, error)
	// LocationOwners: id всех версий ключа, у которых сейчас есть строки локаций.
	LocationOwners(ctx context.Context, key string) ([]uuid.UUID, error)
	// ReplaceLocations удаляет строки всех owners и вставляет rows (pos уже проставлен) под entryID.
	ReplaceLocations(ctx context.Context, entryID uuid.UUID, owners []uuid.UUID, rows []LocationRow) ([]LocationRow, error)
}

// Applier: атомарная запись всего целевого состояния одной транзакцией.
type Applier interface {
	ApplyAdjustment(ctx context.Context, key string, st DesiredState) (Result, error)
}

// KeyLocker сериализует писателей по одной карточке.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
