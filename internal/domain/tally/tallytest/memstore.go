// Package tallytest: in-memory tally.Store для тестов, с инъекцией сбоев по операциям.
package tallytest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spok95/tallycards/internal/domain/tally"
)

const (
	OpLatest        = "latest"
	OpGetEntry      = "get_entry"
	OpInsertEntry   = "insert_entry"
	OpListLocations = "list_locations"
	OpOwners        = "location_owners"
	// OpReplaceDelete срабатывает до удаления, OpReplaceInsert: после удаления и до вставки.
	OpReplaceDelete = "replace_delete"
	OpReplaceInsert = "replace_insert"
)

type Store struct {
	mu        sync.Mutex
	entries   []tally.Entry
	locations map[uuid.UUID][]tally.LocationRow
	nextLocID int64
	faults    map[string][]error
	calls     map[string]int

	// Clock задаёт updated_at новых версий. По умолчанию: детерминированные тики по 1ms.
	Clock func() time.Time
	// OnReplace вызывается после успешной замены строк, вне блокировки.
	OnReplace func(ctx context.Context, s *Store, entryID uuid.UUID)
}

var _ tally.Store = (*Store)(nil)

func New() *Store {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := &Store{
		locations: map[uuid.UUID][]tally.LocationRow{},
		faults:    map[string][]error{},
		calls:     map[string]int{},
	}
	s.Clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

// FailNext ставит в очередь ошибку для следующего вызова операции op.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// hit должен вызываться под s.mu.
func (s *Store) hit(op string) error {
	s.calls[op]++
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.faults[op] = q[1:]
	return err
}

func (s *Store) LatestEntry(_ context.Context, key string) (*tally.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit(OpLatest); err != nil {
		return nil, err
	}
	var best *tally.Entry
	for i := range s.entries {
		e := s.entries[i]
		if e.TallyCardNumber != key {
			continue
		}
		if best == nil || e.Newer(*best) {
			cp := e
			best = &cp
		}
	}
	return best, nil
}

func (s *Store) GetEntry(_ context.Context, id uuid.UUID) (*tally.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit(OpGetEntry); err != nil {
		return nil, err
	}
	for _, e := range s.entries {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListEntries(_ context.Context, key string) ([]tally.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tally.Entry
	for _, e := range s.entries {
		if e.TallyCardNumber == key {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b tally.Entry) int {
		switch {
		case a.Newer(b):
			return -1
		case b.Newer(a):
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) InsertEntry(_ context.Context, ne tally.NewEntry) (*tally.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit(OpInsertEntry); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	e := tally.Entry{
		ID:              id,
		TallyCardNumber: ne.TallyCardNumber,
		ReasonCode:      ne.ReasonCode,
		Note:            ne.Note,
		MultiLocation:   ne.MultiLocation,
		Qty:             ne.Qty,
		Location:        ne.Location,
		UpdatedAt:       s.Clock(),
	}
	s.entries = append(s.entries, e)
	return &e, nil
}

func (s *Store) ListLocations(_ context.Context, entryID uuid.UUID) ([]tally.LocationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit(OpListLocations); err != nil {
		return nil, err
	}
	return slices.Clone(s.locations[entryID]), nil
}

func (s *Store) LocationOwners(_ context.Context, key string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit(OpOwners); err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, e := range s.entries {
		if e.TallyCardNumber == key && len(s.locations[e.ID]) > 0 {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

// ReplaceLocations без транзакции: сбой на OpReplaceInsert оставляет владельцев без строк.
func (s *Store) ReplaceLocations(ctx context.Context, entryID uuid.UUID, owners []uuid.UUID, rows []tally.LocationRow) ([]tally.LocationRow, error) {
	out, err := s.replace(entryID, owners, rows)
	if err != nil {
		return nil, err
	}
	if s.OnReplace != nil {
		s.OnReplace(ctx, s, entryID)
	}
	return out, nil
}

func (s *Store) replace(entryID uuid.UUID, owners []uuid.UUID, rows []tally.LocationRow) ([]tally.LocationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasEntry(entryID) {
		return nil, fmt.Errorf("entry %s: foreign key violation", entryID)
	}
	if err := s.hit(OpReplaceDelete); err != nil {
		return nil, err
	}
	for _, id := range owners {
		delete(s.locations, id)
	}
	if err := s.hit(OpReplaceInsert); err != nil {
		return nil, err
	}
	out := make([]tally.LocationRow, 0, len(rows))
	for _, r := range rows {
		s.nextLocID++
		r.ID = s.nextLocID
		r.EntryID = entryID
		out = append(out, r)
	}
	s.locations[entryID] = out
	return slices.Clone(out), nil
}

func (s *Store) hasEntry(id uuid.UUID) bool {
	for _, e := range s.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// CopyForward вставляет копию версии id, так ведёт себя внешний триггер аудита/версионирования.
func (s *Store) CopyForward(ctx context.Context, id uuid.UUID) (*tally.Entry, error) {
	src, err := s.GetEntry(ctx, id)
	if err != nil || src == nil {
		return nil, fmt.Errorf("copy forward %s: not found", id)
	}
	return s.InsertEntry(ctx, tally.NewEntry{
		TallyCardNumber: src.TallyCardNumber,
		ReasonCode:      src.ReasonCode,
		Note:            src.Note,
		MultiLocation:   src.MultiLocation,
		Qty:             src.Qty,
		Location:        src.Location,
	})
}

// Owners возвращает id версий, у которых сейчас есть строки локаций.
func (s *Store) Owners() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.locations))
	for id, rows := range s.locations {
		if len(rows) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) EntryCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.TallyCardNumber == key {
			n++
		}
	}
	return n
}
