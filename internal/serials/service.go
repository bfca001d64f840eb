package serials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
)

const (
	idempotencyModule = "serials"
	releaseKeyTimeout = 5 * time.Second
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards batch requests carrying an Idempotency-Key.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// MetricsPort receives issuance and verification counts.
type MetricsPort interface {
	Issued(n int)
	Redraw()
	Exhausted()
	Verification(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) Issued(int)          {}
func (noopMetrics) Redraw()             {}
func (noopMetrics) Exhausted()          {}
func (noopMetrics) Verification(string) {}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// VerifyOrigin is the public origin printed into QR labels.
	VerifyOrigin string
	Prefix       string
	// MaxDraws bounds candidate draws per code; zero means DefaultMaxDraws.
	MaxDraws int
	// Random overrides the entropy source, mainly for tests.
	Random io.Reader
	Clock  func() time.Time
}

// Service coordinates serial issuance, deactivation and verification.
type Service struct {
	repo        Repository
	products    catalog.Store
	origin      catalog.Store
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsPort
	logger      *slog.Logger

	drawMu   sync.Mutex
	format   *CodeFormat
	links    *LinkCodec
	maxDraws int
	clock    func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, products catalog.Store, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	format, err := NewCodeFormat(cfg.Prefix, cfg.Random)
	if err != nil {
		return nil, err
	}
	maxDraws := cfg.MaxDraws
	if maxDraws <= 0 {
		maxDraws = DefaultMaxDraws
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		products: products,
		origin:   products,
		metrics:  noopMetrics{},
		logger:   logger,
		format:   format,
		links:    NewLinkCodec(cfg.VerifyOrigin, format),
		maxDraws: maxDraws,
		clock:    clock,
	}, nil
}

// WithAudit attaches an audit sink.
func (s *Service) WithAudit(audit AuditPort) *Service {
	s.audit = audit
	return s
}

// WithIdempotency attaches the idempotency store.
func (s *Service) WithIdempotency(store IdempotencyPort) *Service {
	s.idempotency = store
	return s
}

// WithProductOrigin sets the uncached product store consulted before a scan is
// counted. products stays in use for display-only lookups.
func (s *Service) WithProductOrigin(origin catalog.Store) *Service {
	if origin != nil {
		s.origin = origin
	}
	return s
}

// WithMetrics attaches metric collectors.
func (s *Service) WithMetrics(metrics MetricsPort) *Service {
	if metrics != nil {
		s.metrics = metrics
	}
	return s
}

// Links exposes the QR URL codec used by this service.
func (s *Service) Links() *LinkCodec {
	return s.links
}

// VerificationURL returns the URL encoded into the label of rec.
func (s *Service) VerificationURL(rec SerialRecord) string {
	return s.links.Encode(rec.Code)
}

// GenerateBatch issues quantity new active records for a product. The batch
// is stored all-or-nothing.
func (s *Service) GenerateBatch(ctx context.Context, input GenerateInput) ([]SerialRecord, error) {
	if input.Quantity < MinBatchQuantity || input.Quantity > MaxBatchQuantity {
		return nil, ErrInvalidQuantity
	}
	productID := strings.TrimSpace(input.ProductID)
	if productID == "" {
		return nil, ErrProductRequired
	}
	label := NormalizeBatchLabel(input.BatchLabel)

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, idempotencyModule); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	base := s.clock()
	records := make([]SerialRecord, 0, input.Quantity)
	redraws := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		records = records[:0]
		for i := 0; i < input.Quantity; i++ {
			rec := SerialRecord{
				ID:         uuid.NewString(),
				ProductID:  productID,
				BatchLabel: label,
				Status:     StatusActive,
				// Microsecond steps survive Postgres timestamp precision.
				CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
			}
			n, err := s.issue(ctx, tx, &rec)
			redraws += n
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	for i := 0; i < redraws; i++ {
		s.metrics.Redraw()
	}
	if err != nil {
		if insertedKey {
			s.releaseKey(ctx, input.IdempotencyKey)
		}
		if errors.Is(err, ErrExhaustedNamespace) {
			s.metrics.Exhausted()
			s.logger.Error("serial namespace exhausted",
				slog.String("product_id", productID),
				slog.String("prefix", s.format.Prefix()),
				slog.Int("quantity", input.Quantity),
			)
		}
		return nil, err
	}

	s.metrics.Issued(len(records))
	s.logger.Info("serial batch generated",
		slog.String("product_id", productID),
		slog.Int("quantity", len(records)),
		slog.Int("redraws", redraws),
	)
	if s.audit != nil {
		meta := map[string]any{"quantity": len(records), "first_code": records[0].Code}
		if label != nil {
			meta["batch_label"] = *label
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "serials:generate",
			Entity:   "product",
			EntityID: productID,
			Meta:     meta,
		}); err != nil {
			s.logger.Warn("audit serial batch", slog.Any("error", err))
		}
	}
	return records, nil
}

// releaseKey frees the idempotency key of a failed batch. It runs detached from
// ctx so a cancelled request still releases its key.
func (s *Service) releaseKey(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseKeyTimeout)
	defer cancel()
	if err := s.idempotency.Delete(ctx, key, idempotencyModule); err != nil {
		s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

// issue draws codes for rec until one is accepted by the store. It returns the
// number of collisions seen.
func (s *Service) issue(ctx context.Context, tx TxRepository, rec *SerialRecord) (int, error) {
	collisions := 0
	for attempt := 0; attempt < s.maxDraws; attempt++ {
		code, err := s.draw()
		if err != nil {
			return collisions, err
		}
		rec.Code = code
		inserted, err := tx.InsertIfAbsent(ctx, *rec)
		if err != nil {
			return collisions, err
		}
		if inserted {
			return collisions, nil
		}
		collisions++
	}
	return collisions, fmt.Errorf("%w: %d draws for one code", ErrExhaustedNamespace, s.maxDraws)
}

func (s *Service) draw() (string, error) {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	return s.format.Draw()
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id string) (SerialRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return SerialRecord{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// ListByProduct lists the records of one product, newest first.
func (s *Service) ListByProduct(ctx context.Context, productID string, filter ListFilter) ([]SerialRecord, Summary, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, Summary{}, ErrProductRequired
	}
	if label := NormalizeBatchLabel(filter.BatchLabel); label != nil {
		filter.BatchLabel = *label
	} else {
		filter.BatchLabel = ""
	}
	records, err := s.repo.ListByProduct(ctx, productID, filter)
	if err != nil {
		return nil, Summary{}, err
	}
	summary, err := s.repo.Summarize(ctx, productID)
	if err != nil {
		return nil, Summary{}, err
	}
	return records, summary, nil
}

// Deactivate retires a record. Deactivating a retired record returns it
// unchanged.
func (s *Service) Deactivate(ctx context.Context, id, actor string) (SerialRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return SerialRecord{}, err
	}
	if _, changed := rec.Status.Deactivate(); !changed {
		return rec, nil
	}
	updated, err := s.repo.MarkDeactivated(ctx, id)
	if errors.Is(err, ErrNotActive) {
		// Lost a race with another deactivation; the outcome is the same.
		return updated, nil
	}
	if err != nil {
		return SerialRecord{}, err
	}
	s.logger.Info("serial deactivated", slog.String("id", id), slog.String("code", updated.Code))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "serials:deactivate",
			Entity:   "serial_record",
			EntityID: id,
			Meta:     map[string]any{"code": updated.Code, "product_id": updated.ProductID},
		}); err != nil {
			s.logger.Warn("audit serial deactivation", slog.Any("error", err))
		}
	}
	return updated, nil
}

// Resolve turns a scanned URL or raw code into a verification outcome. Only
// store and catalog transport failures are returned as errors.
func (s *Service) Resolve(ctx context.Context, raw string) (Result, error) {
	code, ok := s.links.Decode(raw)
	if !ok {
		s.metrics.Verification(string(ReasonUnknownCode))
		return invalid(ReasonUnknownCode, ""), nil
	}
	result, err := s.resolveCode(ctx, code)
	if err != nil {
		return Result{}, err
	}
	s.metrics.Verification(string(result.Reason))
	return result, nil
}

func (s *Service) resolveCode(ctx context.Context, code string) (Result, error) {
	rec, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return invalid(ReasonUnknownCode, code), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.Status != StatusActive {
		return s.deactivatedResult(ctx, rec), nil
	}

	product, err := s.origin.LookupProduct(ctx, rec.ProductID)
	if errors.Is(err, catalog.ErrNotFound) {
		s.logger.Warn("serial references missing product",
			slog.String("code", rec.Code),
			slog.String("serial_id", rec.ID),
			slog.String("product_id", rec.ProductID),
		)
		res := invalid(ReasonProductMissing, code)
		res.Record = &rec
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	updated, err := s.repo.RecordVerification(ctx, rec.ID, s.clock())
	if errors.Is(err, ErrNotActive) {
		res := invalid(ReasonDeactivated, code)
		res.Record = &updated
		res.Product = &product
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Valid: true, Code: code, Record: &updated, Product: &product}, nil
}

// deactivatedResult surfaces the record and, when it still resolves, the
// product for audit display.
func (s *Service) deactivatedResult(ctx context.Context, rec SerialRecord) Result {
	res := invalid(ReasonDeactivated, rec.Code)
	res.Record = &rec
	product, err := s.products.LookupProduct(ctx, rec.ProductID)
	if err == nil {
		res.Product = &product
	} else if !errors.Is(err, catalog.ErrNotFound) {
		s.logger.Warn("lookup product for deactivated serial", slog.String("product_id", rec.ProductID), slog.Any("error", err))
	}
	return res
}

// ProductIDs lists every product that owns at least one record.
func (s *Service) ProductIDs(ctx context.Context) ([]string, error) {
	return s.repo.DistinctProductIDs(ctx)
}
