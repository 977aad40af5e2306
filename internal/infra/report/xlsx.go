// Package report: выгрузка истории карточки в Excel и разбор загружаемого листа локаций.
package report

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Spok95/tallycards/internal/domain/tally"
)

const (
	historySheet   = "History"
	locationsSheet = "Locations"
)

// ExportHistory: лист History: все версии (новые сверху), лист Locations: строки текущей версии.
func ExportHistory(entries []tally.Entry, current []tally.LocationRow) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), historySheet); err != nil {
		return nil, err
	}

	header := []interface{}{
		"version_id", "tally_card_number", "updated_at", "reason_code", "note",
		"qty", "location", "multi_location",
	}
	if err := f.SetSheetRow(historySheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("history header: %w", err)
	}
	for i, e := range entries {
		row := []interface{}{
			e.ID.String(),
			e.TallyCardNumber,
			e.UpdatedAt.UTC().Format(time.RFC3339Nano),
			string(e.ReasonCode),
			deref(e.Note),
			"",
			deref(e.Location),
			e.MultiLocation,
		}
		if e.Qty != nil {
			row[5] = *e.Qty
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("history row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(locationsSheet); err != nil {
		return nil, err
	}
	locHeader := []interface{}{"pos", "location", "qty"}
	if err := f.SetSheetRow(locationsSheet, "A1", &locHeader); err != nil {
		return nil, fmt.Errorf("locations header: %w", err)
	}
	for i, r := range current {
		row := []interface{}{r.Pos, r.Location, r.Qty}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(locationsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("locations row %d: %w", i+2, err)
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseLocationSheet читает активный лист: первая строка: заголовок с колонками location и qty.
// Пустое qty = 0, строки без location пропускаются.
func ParseLocationSheet(data []byte) ([]tally.DesiredRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: not an xlsx file: %v", tally.ErrValidation, err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(f.GetSheetName(f.GetActiveSheetIndex()))
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: sheet has no location rows", tally.ErrValidation)
	}

	locCol, qtyCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "location":
			locCol = i
		case "qty", "количество":
			qtyCol = i
		}
	}
	if locCol < 0 || qtyCol < 0 {
		return nil, fmt.Errorf("%w: header must contain location and qty columns", tally.ErrValidation)
	}

	var out []tally.DesiredRow
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		loc := cell(row, locCol)
		if loc == "" {
			continue
		}
		qty, err := parseQty(cell(row, qtyCol))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", tally.ErrValidation, i+1, err)
		}
		out = append(out, tally.DesiredRow{Location: loc, Qty: qty})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: sheet has no location rows", tally.ErrValidation)
	}
	return out, nil
}

func parseQty(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("qty %q is not a number", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("qty %q is not finite", s)
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("qty %q must be a whole number", s)
	}
	if v > math.MaxInt64 || v < math.MinInt64 {
		return 0, fmt.Errorf("qty %q is out of range", s)
	}
	return int64(v), nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
