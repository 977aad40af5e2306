package tally

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ReasonCode string

const (
	ReasonUnspecified ReasonCode = "UNSPECIFIED"
	ReasonAdjustment  ReasonCode = "ADJUSTMENT"
	ReasonCount       ReasonCode = "COUNT"
	ReasonFound       ReasonCode = "FOUND"
	ReasonDamaged     ReasonCode = "DAMAGED"
	ReasonLost        ReasonCode = "LOST"
	ReasonTransfer    ReasonCode = "TRANSFER"
)

var knownReasons = map[ReasonCode]struct{}{
	ReasonUnspecified: {},
	ReasonAdjustment:  {},
	ReasonCount:       {},
	ReasonFound:       {},
	ReasonDamaged:     {},
	ReasonLost:        {},
	ReasonTransfer:    {},
}

// ParseReason нормализует код причины; пустая строка = UNSPECIFIED.
func ParseReason(s string) (ReasonCode, error) {
	rc := ReasonCode(strings.ToUpper(strings.TrimSpace(s)))
	if rc == "" {
		return ReasonUnspecified, nil
	}
	if _, ok := knownReasons[rc]; !ok {
		return "", validationf("unknown reason_code %q", s)
	}
	return rc, nil
}

// Entry: одна неизменяемая версия карточки.
// Qty/Location/MultiLocation вычисляются из строк локаций, руками не задаются.
type Entry struct {
	ID              uuid.UUID
	TallyCardNumber string
	ReasonCode      ReasonCode
	Note            *string
	MultiLocation   bool
	Qty             *int64
	Location        *string
	UpdatedAt       time.Time
}

// Newer сообщает, идёт ли e позже other в порядке (updated_at, id).
func (e Entry) Newer(other Entry) bool {
	if !e.UpdatedAt.Equal(other.UpdatedAt) {
		return e.UpdatedAt.After(other.UpdatedAt)
	}
	return compareIDs(e.ID, other.ID) > 0
}

// Matches сообщает, несёт ли версия ровно этот агрегат.
func (e Entry) Matches(a Aggregate) bool {
	if e.MultiLocation != a.MultiLocation {
		return false
	}
	if (e.Qty == nil) != (a.Qty == nil) || (e.Qty != nil && *e.Qty != *a.Qty) {
		return false
	}
	if (e.Location == nil) != (a.Location == nil) || (e.Location != nil && *e.Location != *a.Location) {
		return false
	}
	return true
}

func (e Entry) sameMetadata(reason ReasonCode, note *string) bool {
	if e.ReasonCode != reason {
		return false
	}
	if e.Note == nil || note == nil {
		return e.Note == nil && note == nil
	}
	return *e.Note == *note
}

type LocationRow struct {
	ID       int64
	EntryID  uuid.UUID
	Location string
	Qty      int64
	Pos      int
}

// DesiredRow: то, что присылает клиент; pos назначается ledger'ом.
type DesiredRow struct {
	Location string
	Qty      int64
}

// Aggregate: производные поля версии.
type Aggregate struct {
	Qty           *int64
	Location      *string
	MultiLocation bool
}

// NewEntry: payload для вставки новой версии.
// Qty/Location == nil означает «не передавать», а не «обнулить».
type NewEntry struct {
	TallyCardNumber string
	ReasonCode      ReasonCode
	Note            *string
	MultiLocation   bool
	Qty             *int64
	Location        *string
}

// DesiredState: целевое состояние карточки, которое присылает вызывающий.
type DesiredState struct {
	ReasonCode ReasonCode
	Note       *string
	Rows       []DesiredRow
	// VersionHint: id, который видел клиент; только подсказка.
	VersionHint uuid.UUID
}

type Result struct {
	VersionID  uuid.UUID
	Entry      Entry
	Rows       []LocationRow
	Iterations int
}

func compareIDs(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

func normalizeNote(note *string) *string {
	if note == nil {
		return nil
	}
	n := strings.TrimSpace(*note)
	if n == "" {
		return nil
	}
	return &n
}
