package serialshttp

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/Dharmesh177/zsindia-cms/internal/platform/httpx"
	"github.com/Dharmesh177/zsindia-cms/internal/qrcode"
	"github.com/Dharmesh177/zsindia-cms/internal/serials"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
	"github.com/Dharmesh177/zsindia-cms/jobs"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerActor          = "X-Actor"
	defaultActor         = "admin-api"
)

type serialService interface {
	GenerateBatch(ctx context.Context, input serials.GenerateInput) ([]serials.SerialRecord, error)
	ListByProduct(ctx context.Context, productID string, filter serials.ListFilter) ([]serials.SerialRecord, serials.Summary, error)
	Get(ctx context.Context, id string) (serials.SerialRecord, error)
	Deactivate(ctx context.Context, id, actor string) (serials.SerialRecord, error)
	Resolve(ctx context.Context, raw string) (serials.Result, error)
	VerificationURL(rec serials.SerialRecord) string
}

type qrRenderer interface {
	PNG(payload string, size int) ([]byte, error)
}

type exportQueue interface {
	EnqueueQRExport(ctx context.Context, payload jobs.QRExportPayload) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for serial issuance and public verification.
type Handler struct {
	logger    *slog.Logger
	service   serialService
	renderer  qrRenderer
	exports   exportQueue
	validator *validator.Validate
}

// NewHandler constructs a Handler instance. exports may be nil when no queue
// is configured.
func NewHandler(logger *slog.Logger, service serialService, renderer qrRenderer, exports exportQueue) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		renderer:  renderer,
		exports:   exports,
		validator: validator.New(),
	}
}

// MountPublicRoutes registers the verification endpoints.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/verify/{code}", h.verifyCode)
	r.Post("/verify", h.verifyInput)
}

// MountAdminRoutes registers issuance and lifecycle endpoints.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Route("/products/{productID}", func(r chi.Router) {
		r.Post("/serials", h.generate)
		r.Get("/serials", h.list)
		r.Get("/serials.csv", h.exportCSV)
		r.Post("/serials/export", h.enqueueExport)
	})
	r.Route("/serials/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/deactivate", h.deactivate)
		r.Get("/qr.png", h.qr)
	})
}

type serialView struct {
	serials.SerialRecord
	VerificationURL string `json:"verification_url"`
}

func (h *Handler) view(rec serials.SerialRecord) serialView {
	return serialView{SerialRecord: rec, VerificationURL: h.service.VerificationURL(rec)}
}

type verifyRequest struct {
	Input string `json:"input" validate:"required,max=2048"`
}

func (h *Handler) verifyCode(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, chi.URLParam(r, "code"))
}

func (h *Handler) verifyInput(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}
	h.resolve(w, r, req.Input)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, raw string) {
	result, err := h.service.Resolve(r.Context(), raw)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, result)
}

type generateRequest struct {
	Quantity   int    `json:"quantity" validate:"required,min=1,max=1000"`
	BatchLabel string `json:"batch_label" validate:"max=200"`
}

type generateResponse struct {
	ProductID string       `json:"product_id"`
	Quantity  int          `json:"quantity"`
	Serials   []serialView `json:"serials"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}
	productID := chi.URLParam(r, "productID")
	records, err := h.service.GenerateBatch(r.Context(), serials.GenerateInput{
		ProductID:      productID,
		Quantity:       req.Quantity,
		BatchLabel:     req.BatchLabel,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
		Actor:          actor(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]serialView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.view(rec))
	}
	httpx.JSON(w, http.StatusCreated, generateResponse{ProductID: productID, Quantity: len(views), Serials: views})
}

type listResponse struct {
	Serials    []serialView      `json:"serials"`
	Summary    serials.Summary   `json:"summary"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status, err := statusFilter(r.URL.Query().Get("status"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page := shared.PaginationFromQuery(r.URL.Query(), 0)
	records, summary, err := h.service.ListByProduct(r.Context(), chi.URLParam(r, "productID"), serials.ListFilter{
		Status:     status,
		BatchLabel: r.URL.Query().Get("batch"),
		Limit:      page.PerPage,
		Offset:     page.Offset(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	total := summary.Total
	switch status {
	case serials.StatusActive:
		total = summary.Active
	case serials.StatusDeactivated:
		total = summary.Deactivated
	}
	views := make([]serialView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.view(rec))
	}
	httpx.JSON(w, http.StatusOK, listResponse{
		Serials:    views,
		Summary:    summary,
		Pagination: shared.NewPagination(page.Page, page.PerPage, total),
	})
}

var csvHeader = []string{"Serial Number", "Batch", "Status", "Verified Count", "Verified At", "Created At", "Verification URL"}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	status, err := statusFilter(r.URL.Query().Get("status"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID := chi.URLParam(r, "productID")
	records, _, err := h.service.ListByProduct(r.Context(), productID, serials.ListFilter{
		Status:     status,
		BatchLabel: r.URL.Query().Get("batch"),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="serials-%s.csv"`, csvFileName(productID)))
	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, rec := range records {
		batch := ""
		if rec.BatchLabel != nil {
			batch = *rec.BatchLabel
		}
		verifiedAt := ""
		if rec.VerifiedAt != nil {
			verifiedAt = rec.VerifiedAt.UTC().Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			rec.Code,
			batch,
			rec.Status.String(),
			strconv.FormatInt(rec.VerifiedCount, 10),
			verifiedAt,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			h.service.VerificationURL(rec),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("write serials csv", slog.String("product_id", productID), slog.Any("error", err))
	}
}

type exportRequest struct {
	BatchLabel string `json:"batch_label" validate:"max=200"`
	Size       int    `json:"size" validate:"omitempty,min=128,max=1024"`
}

type exportResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

func (h *Handler) enqueueExport(w http.ResponseWriter, r *http.Request) {
	if h.exports == nil {
		httpx.RespondError(w, fmt.Errorf("%w: export queue not configured", httpx.ErrUnavailable))
		return
	}
	var req exportRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, serials.ErrProductRequired))
		return
	}
	info, err := h.exports.EnqueueQRExport(r.Context(), jobs.QRExportPayload{
		ProductID:   productID,
		BatchLabel:  req.BatchLabel,
		Size:        req.Size,
		RequestedBy: actor(r),
	})
	if err != nil {
		h.logger.Error("enqueue qr export", slog.String("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
		return
	}
	httpx.JSON(w, http.StatusAccepted, exportResponse{TaskID: info.ID, Queue: info.Queue})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(rec))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(rec))
}

func (h *Handler) qr(w http.ResponseWriter, r *http.Request) {
	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: size must be an integer", httpx.ErrValidation))
			return
		}
		size = parsed
	}
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	png, err := h.renderer.PNG(h.service.VerificationURL(rec), size)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.png"`, rec.Code))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, serials.ErrInvalidQuantity),
		errors.Is(err, serials.ErrProductRequired),
		errors.Is(err, qrcode.ErrInvalidSize):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, serials.ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	case errors.Is(err, serials.ErrExhaustedNamespace):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
	default:
		h.logger.Error("serials request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
		}
		return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
}

func statusFilter(raw string) (serials.Status, error) {
	if raw == "" || raw == "all" {
		return 0, nil
	}
	status, err := serials.ParseStatus(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return status, nil
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerActor)); v != "" {
		return v
	}
	return defaultActor
}

func csvFileName(productID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, productID)
}
