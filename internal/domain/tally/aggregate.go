package tally

import "strings"

func TotalQty(rows []LocationRow) int64 {
	var sum int64
	for _, r := range rows {
		sum += r.Qty
	}
	return sum
}

// LocationSummary склеивает имена локаций через ", " в порядке первого появления, без повторов.
// Для пустого набора возвращает nil, а не "".
func LocationSummary(rows []LocationRow) *string {
	seen := make(map[string]struct{}, len(rows))
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		name := strings.TrimSpace(r.Location)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	s := strings.Join(names, ", ")
	return &s
}

// Compute считает агрегат по сохранённым строкам версии.
func Compute(rows []LocationRow) Aggregate {
	if len(rows) == 0 {
		return Aggregate{}
	}
	qty := TotalQty(rows)
	return Aggregate{
		Qty:           &qty,
		Location:      LocationSummary(rows),
		MultiLocation: len(rows) > 1,
	}
}

// CheckComplete проверяет, что у версии есть хотя бы одна локация
// и её поля совпадают с агрегатом по этим строкам.
func CheckComplete(e Entry, rows []LocationRow) error {
	if len(rows) == 0 {
		return ErrIncomplete
	}
	if !e.Matches(Compute(rows)) {
		return ErrAggregateMismatch
	}
	return nil
}
