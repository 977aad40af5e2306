package http

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Spok95/tallycards/internal/domain/tally"
	"github.com/Spok95/tallycards/internal/domain/tally/tallytest"
)

type apiFixture struct {
	store  *tallytest.Store
	router *gin.Engine
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	st := tallytest.New()
	svc := tally.NewService(tally.ServiceDeps{Store: st})
	return apiFixture{store: st, router: NewRouter(NewTallyHandler(svc, nil), true, nil)}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	api := newAPI(t)
	w := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApplyAndRead(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodPost, "/api/tally-cards/TC-000123/adjustments", gin.H{
		"reason_code": "ADJUSTMENT",
		"rows":        []gin.H{{"location": "A1", "qty": 10}, {"location": "B2", "qty": -3}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[resultResp](t, w)
	require.NotNil(t, res.Entry.Qty)
	assert.Equal(t, int64(7), *res.Entry.Qty)
	assert.Equal(t, "A1, B2", *res.Entry.Location)
	assert.True(t, res.Entry.MultiLocation)
	assert.Len(t, res.Rows, 2)

	w = api.do(t, http.MethodGet, "/api/tally-cards/TC-000123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur := decode[struct {
		Entry entryResp `json:"entry"`
		Rows  []rowResp `json:"rows"`
	}](t, w)
	assert.Equal(t, res.VersionID, cur.Entry.ID)
	assert.Len(t, cur.Rows, 2)

	w = api.do(t, http.MethodGet, "/api/tally-cards/TC-000123/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[struct {
		Versions []entryResp `json:"versions"`
	}](t, w)
	assert.Len(t, hist.Versions, 2)

	w = api.do(t, http.MethodGet, "/api/tally-cards/TC-000123/history.xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "tally_TC-000123_")
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	_ = f.Close()
}

func TestErrorMapping(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodGet, "/api/tally-cards/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{"reason_code": "ADJUSTMENT", "rows": []gin.H{}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"rows": []gin.H{{"location": "  ", "qty": 1}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"rows": []gin.H{{"location": "A1", "qty": 1.5}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "non-integral qty")

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"reason_code": "SOLD",
		"rows":        []gin.H{{"location": "A1", "qty": 1}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodPut, "/api/entries/not-a-uuid/locations", gin.H{"rows": []gin.H{{"location": "A1", "qty": 1}}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodGet, "/api/entries/"+uuid.NewString()+"/locations", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStepFailureReportsStep(t *testing.T) {
	api := newAPI(t)
	api.store.FailNext(tallytest.OpReplaceInsert, assert.AnError)

	w := api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"rows": []gin.H{{"location": "A1", "qty": 1}},
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, string(tally.StepStage), body["step"])
}

func TestPrimitivesFlow(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodPost, "/api/tally-cards/TC-7/metadata", gin.H{"reason_code": "count", "note": "cycle count"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	meta := decode[struct {
		VersionID uuid.UUID `json:"version_id"`
	}](t, w)

	w = api.do(t, http.MethodPut, "/api/entries/"+meta.VersionID.String()+"/locations", gin.H{
		"rows": []gin.H{{"location": "A1", "qty": 4}, {"location": "A2", "qty": 0}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/entries/"+meta.VersionID.String()+"/aggregate", gin.H{
		"qty": 5, "location": "A1, A2", "multi_location": true,
	})
	assert.Equal(t, http.StatusConflict, w.Code, "claimed qty disagrees with rows")

	w = api.do(t, http.MethodPost, "/api/entries/"+meta.VersionID.String()+"/aggregate", gin.H{
		"qty": 4, "location": "A1, A2", "multi_location": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	next := decode[struct {
		VersionID uuid.UUID `json:"version_id"`
	}](t, w)
	assert.NotEqual(t, meta.VersionID, next.VersionID)

	w = api.do(t, http.MethodPut, "/api/entries/"+next.VersionID.String()+"/locations", gin.H{
		"rows":                []gin.H{{"location": "A1", "qty": 4}, {"location": "A2", "qty": 0}},
		"previous_version_id": meta.VersionID.String(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []uuid.UUID{next.VersionID}, api.store.Owners())
}

func TestImport(t *testing.T) {
	api := newAPI(t)

	x := excelize.NewFile()
	sheet := x.GetSheetName(x.GetActiveSheetIndex())
	require.NoError(t, x.SetSheetRow(sheet, "A1", &[]interface{}{"location", "qty"}))
	require.NoError(t, x.SetSheetRow(sheet, "A2", &[]interface{}{"A1", 3}))
	require.NoError(t, x.SetSheetRow(sheet, "A3", &[]interface{}{"B1", 2}))
	var file bytes.Buffer
	require.NoError(t, x.Write(&file))
	_ = x.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("reason_code", "FOUND"))
	fw, err := mw.CreateFormFile("file", "locations.xlsx")
	require.NoError(t, err)
	_, err = fw.Write(file.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tally-cards/TC-9/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[resultResp](t, w)
	assert.Equal(t, int64(5), *res.Entry.Qty)
	assert.Equal(t, "FOUND", res.Entry.ReasonCode)
}

func TestMalformedVersionIDs(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"rows":       []gin.H{{"location": "A1", "qty": 1}},
		"version_id": "v-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/metadata", gin.H{"reason_code": "COUNT"})
	require.Equal(t, http.StatusCreated, w.Code)
	meta := decode[struct {
		VersionID uuid.UUID `json:"version_id"`
	}](t, w)

	w = api.do(t, http.MethodPut, "/api/entries/"+meta.VersionID.String()+"/locations", gin.H{
		"rows":                []gin.H{{"location": "A1", "qty": 1}},
		"previous_version_id": "nope",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, api.store.Owners())
}

func TestStaleVersionIsConflict(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"reason_code": "COUNT",
		"rows":        []gin.H{{"location": "A1", "qty": 3}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[resultResp](t, w)

	w = api.do(t, http.MethodPost, "/api/tally-cards/TC-1/adjustments", gin.H{
		"reason_code": "DAMAGED",
		"rows":        []gin.H{{"location": "A1", "qty": 2}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/api/entries/"+first.VersionID.String()+"/aggregate", gin.H{
		"qty": 3, "location": "A1", "multi_location": false,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodGet, "/api/tally-cards/TC-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur := decode[struct {
		Entry entryResp `json:"entry"`
	}](t, w)
	assert.Equal(t, "DAMAGED", cur.Entry.ReasonCode)
}
