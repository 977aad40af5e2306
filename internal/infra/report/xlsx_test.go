package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Spok95/tallycards/internal/domain/tally"
)

func sheet(t *testing.T, rows ...[]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	name := f.GetSheetName(f.GetActiveSheetIndex())
	for i, r := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(name, cellName, &r))
	}
	buf := &bytes.Buffer{}
	require.NoError(t, f.Write(buf))
	return buf.Bytes()
}

func TestParseLocationSheet(t *testing.T) {
	data := sheet(t,
		[]interface{}{"Location", "Qty", "comment"},
		[]interface{}{"A1", 10, "x"},
		[]interface{}{"", 4},
		[]interface{}{" B2 ", "-3"},
		[]interface{}{"C3", ""},
	)
	rows, err := ParseLocationSheet(data)
	require.NoError(t, err)
	assert.Equal(t, []tally.DesiredRow{
		{Location: "A1", Qty: 10},
		{Location: "B2", Qty: -3},
		{Location: "C3", Qty: 0},
	}, rows)
}

func TestParseLocationSheetRejects(t *testing.T) {
	cases := map[string][]byte{
		"fraction":   sheet(t, []interface{}{"location", "qty"}, []interface{}{"A1", "1.5"}),
		"text":       sheet(t, []interface{}{"location", "qty"}, []interface{}{"A1", "ten"}),
		"infinite":   sheet(t, []interface{}{"location", "qty"}, []interface{}{"A1", "Inf"}),
		"no header":  sheet(t, []interface{}{"where", "how much"}, []interface{}{"A1", 1}),
		"only blank": sheet(t, []interface{}{"location", "qty"}, []interface{}{"", 1}),
		"not xlsx":   []byte("hello"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLocationSheet(data)
			assert.ErrorIs(t, err, tally.ErrValidation)
		})
	}
}

func TestExportHistory(t *testing.T) {
	qty := int64(7)
	loc := "A1, B2"
	id := uuid.Must(uuid.NewV7())
	entries := []tally.Entry{
		{ID: id, TallyCardNumber: "TC-1", ReasonCode: tally.ReasonAdjustment, Qty: &qty, Location: &loc, MultiLocation: true, UpdatedAt: time.Now()},
		{ID: uuid.Must(uuid.NewV7()), TallyCardNumber: "TC-1", ReasonCode: tally.ReasonAdjustment, UpdatedAt: time.Now()},
	}
	current := []tally.LocationRow{{Location: "A1", Qty: 10, Pos: 1}, {Location: "B2", Qty: -3, Pos: 2}}

	data, err := ExportHistory(entries, current)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	hist, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, id.String(), hist[1][0])
	assert.Equal(t, "7", hist[1][5])
	assert.Equal(t, "A1, B2", hist[1][6])

	locs, err := f.GetRows(locationsSheet)
	require.NoError(t, err)
	require.Len(t, locs, 3)
	assert.Equal(t, []string{"2", "B2", "-3"}, locs[2])

	// выгрузку можно загрузить обратно
	f.SetActiveSheet(1)
	buf := &bytes.Buffer{}
	require.NoError(t, f.Write(buf))
	back, err := ParseLocationSheet(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []tally.DesiredRow{{Location: "A1", Qty: 10}, {Location: "B2", Qty: -3}}, back)
}
