package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Spok95/tallycards/internal/domain/tally"
	"github.com/Spok95/tallycards/internal/infra/report"
)

// maxImportSize: предел для загружаемого xlsx.
const maxImportSize = 10 << 20

// TallyService: то, что нужно хендлерам от tally.Service.
type TallyService interface {
	Apply(ctx context.Context, key string, st tally.DesiredState) (tally.Result, error)
	Current(ctx context.Context, key string) (*tally.Entry, []tally.LocationRow, error)
	History(ctx context.Context, key string) ([]tally.Entry, error)
	WriteMetadata(ctx context.Context, key string, reason tally.ReasonCode, note *string) (*tally.Entry, error)
	ReplaceLocations(ctx context.Context, versionID uuid.UUID, rows []tally.DesiredRow, previous uuid.UUID) ([]tally.LocationRow, error)
	PatchAggregate(ctx context.Context, versionID uuid.UUID, claimed tally.Aggregate) (*tally.Entry, error)
	Locations(ctx context.Context, versionID uuid.UUID) ([]tally.LocationRow, error)
}

type TallyHandler struct {
	svc TallyService
	log *zap.Logger
}

func NewTallyHandler(svc TallyService, log *zap.Logger) *TallyHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TallyHandler{svc: svc, log: log}
}

func (h *TallyHandler) Register(g *gin.RouterGroup) {
	cards := g.Group("/tally-cards/:key")
	cards.GET("", h.Current)
	cards.GET("/history", h.History)
	cards.GET("/history.xlsx", h.ExportHistory)
	cards.POST("/metadata", h.WriteMetadata)
	cards.POST("/adjustments", h.Apply)
	cards.POST("/import", h.Import)

	entries := g.Group("/entries/:id")
	entries.GET("/locations", h.Locations)
	entries.PUT("/locations", h.ReplaceLocations)
	entries.POST("/aggregate", h.PatchAggregate)
}

var validatorsOnce sync.Once

func registerValidators() {
	validatorsOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("notblank", validators.NotBlank)
		}
	})
}

// ---- запросы / ответы ----

type rowReq struct {
	Location string `json:"location" binding:"notblank"`
	Qty      *int64 `json:"qty" binding:"required"`
}

type metadataReq struct {
	ReasonCode string  `json:"reason_code"`
	Note       *string `json:"note"`
}

type locationsReq struct {
	Rows              []rowReq `json:"rows" binding:"required,min=1,dive"`
	PreviousVersionID string   `json:"previous_version_id" binding:"omitempty,uuid"`
}

type aggregateReq struct {
	Qty           *int64  `json:"qty"`
	Location      *string `json:"location"`
	MultiLocation bool    `json:"multi_location"`
}

type adjustmentReq struct {
	ReasonCode string   `json:"reason_code"`
	Note       *string  `json:"note"`
	Rows       []rowReq `json:"rows" binding:"required,min=1,dive"`
	VersionID  string   `json:"version_id" binding:"omitempty,uuid"`
}

type entryResp struct {
	ID              uuid.UUID `json:"id"`
	TallyCardNumber string    `json:"tally_card_number"`
	ReasonCode      string    `json:"reason_code"`
	Note            *string   `json:"note"`
	MultiLocation   bool      `json:"multi_location"`
	Qty             *int64    `json:"qty"`
	Location        *string   `json:"location"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type rowResp struct {
	Location string `json:"location"`
	Qty      int64  `json:"qty"`
	Pos      int    `json:"pos"`
}

type resultResp struct {
	VersionID  uuid.UUID `json:"version_id"`
	Entry      entryResp `json:"entry"`
	Rows       []rowResp `json:"rows"`
	Iterations int       `json:"iterations"`
}

func toEntry(e tally.Entry) entryResp {
	return entryResp{
		ID:              e.ID,
		TallyCardNumber: e.TallyCardNumber,
		ReasonCode:      string(e.ReasonCode),
		Note:            e.Note,
		MultiLocation:   e.MultiLocation,
		Qty:             e.Qty,
		Location:        e.Location,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toRows(rows []tally.LocationRow) []rowResp {
	out := make([]rowResp, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowResp{Location: r.Location, Qty: r.Qty, Pos: r.Pos})
	}
	return out
}

func toDesired(rows []rowReq) []tally.DesiredRow {
	out := make([]tally.DesiredRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, tally.DesiredRow{Location: r.Location, Qty: *r.Qty})
	}
	return out
}

func toResult(r tally.Result) resultResp {
	return resultResp{
		VersionID:  r.VersionID,
		Entry:      toEntry(r.Entry),
		Rows:       toRows(r.Rows),
		Iterations: r.Iterations,
	}
}

// ---- хендлеры ----

func (h *TallyHandler) Current(c *gin.Context) {
	e, rows, err := h.svc.Current(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": toEntry(*e), "rows": toRows(rows)})
}

func (h *TallyHandler) History(c *gin.Context) {
	entries, err := h.svc.History(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]entryResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntry(e))
	}
	c.JSON(http.StatusOK, gin.H{"versions": out})
}

func (h *TallyHandler) ExportHistory(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")
	entries, err := h.svc.History(ctx, key)
	if err != nil {
		h.fail(c, err)
		return
	}
	_, rows, err := h.svc.Current(ctx, key)
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := report.ExportHistory(entries, rows)
	if err != nil {
		h.fail(c, err)
		return
	}
	name := fmt.Sprintf("tally_%s_%s.xlsx", entries[0].TallyCardNumber, time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (h *TallyHandler) WriteMetadata(c *gin.Context) {
	var req metadataReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	e, err := h.svc.WriteMetadata(c.Request.Context(), c.Param("key"), tally.ReasonCode(req.ReasonCode), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version_id": e.ID})
}

func (h *TallyHandler) Apply(c *gin.Context) {
	var req adjustmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	st := tally.DesiredState{
		ReasonCode: tally.ReasonCode(req.ReasonCode),
		Note:       req.Note,
		Rows:       toDesired(req.Rows),
	}
	if req.VersionID != "" {
		hint, err := uuid.Parse(req.VersionID)
		if err != nil {
			h.badRequest(c, fmt.Errorf("invalid version_id %q", req.VersionID))
			return
		}
		st.VersionHint = hint
	}
	res, err := h.svc.Apply(c.Request.Context(), c.Param("key"), st)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResult(res))
}

func (h *TallyHandler) Import(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	if fh.Size > maxImportSize {
		h.badRequest(c, fmt.Errorf("file is larger than %d bytes", maxImportSize))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, maxImportSize))
	if err != nil {
		h.fail(c, err)
		return
	}

	rows, err := report.ParseLocationSheet(data)
	if err != nil {
		h.fail(c, err)
		return
	}
	st := tally.DesiredState{ReasonCode: tally.ReasonCode(c.PostForm("reason_code")), Rows: rows}
	if note, ok := c.GetPostForm("note"); ok {
		st.Note = &note
	}
	res, err := h.svc.Apply(c.Request.Context(), c.Param("key"), st)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResult(res))
}

func (h *TallyHandler) Locations(c *gin.Context) {
	id, ok := h.versionID(c)
	if !ok {
		return
	}
	rows, err := h.svc.Locations(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": toRows(rows)})
}

func (h *TallyHandler) ReplaceLocations(c *gin.Context) {
	id, ok := h.versionID(c)
	if !ok {
		return
	}
	var req locationsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	prev := uuid.Nil
	if req.PreviousVersionID != "" {
		var err error
		if prev, err = uuid.Parse(req.PreviousVersionID); err != nil {
			h.badRequest(c, fmt.Errorf("invalid previous_version_id %q", req.PreviousVersionID))
			return
		}
	}
	rows, err := h.svc.ReplaceLocations(c.Request.Context(), id, toDesired(req.Rows), prev)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": toRows(rows)})
}

func (h *TallyHandler) PatchAggregate(c *gin.Context) {
	id, ok := h.versionID(c)
	if !ok {
		return
	}
	var req aggregateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	e, err := h.svc.PatchAggregate(c.Request.Context(), id, tally.Aggregate{
		Qty:           req.Qty,
		Location:      req.Location,
		MultiLocation: req.MultiLocation,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version_id": e.ID})
}

// ---- ошибки ----

func (h *TallyHandler) versionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, fmt.Errorf("invalid version id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func (h *TallyHandler) badRequest(c *gin.Context, err error) {
	h.log.Warn("invalid request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}

func (h *TallyHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tally.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, tally.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tally.ErrAggregateMismatch), errors.Is(err, tally.ErrIncomplete),
		errors.Is(err, tally.ErrStaleVersion):
		status = http.StatusConflict
	case errors.Is(err, tally.ErrLockTimeout):
		status = http.StatusLocked
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"error": err.Error()}
	if step := tally.StepOf(err); step != "" {
		body["step"] = step
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.log.Debug("request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, body)
}
