package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	jobmetrics "github.com/Dharmesh177/zsindia-cms/internal/jobs"
)

// ProductLister enumerates products that own serial records.
type ProductLister interface {
	ProductIDs(ctx context.Context) ([]string, error)
}

// ProductCache drops every cached product entry.
type ProductCache interface {
	Invalidate(ctx context.Context) error
}

// OrphanAuditJob reports serial records whose product no longer resolves.
// Scans of those codes return product_missing until the product is restored.
// When Cache is set, finding orphans invalidates it so display lookups stop
// serving deleted products.
type OrphanAuditJob struct {
	Serials  ProductLister
	Products catalog.Store
	Cache    ProductCache
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewOrphanAuditJob wires dependencies for the audit handler. products should
// bypass the cache so that deletions are seen immediately.
func NewOrphanAuditJob(lister ProductLister, products catalog.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrphanAuditJob {
	return &OrphanAuditJob{Serials: lister, Products: products, Logger: logger, Metrics: metrics}
}

// Handle processes TaskSerialsOrphanAudit tasks.
func (j *OrphanAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Serials == nil || j.Products == nil {
		return errors.New("orphan audit: handler not configured")
	}
	var payload OrphanAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskSerialsOrphanAudit)
	orphans, checked, err := j.Audit(ctx, payload.Limit)
	if err != nil {
		j.logger().Error("orphan audit failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().SetOrphanedProducts(len(orphans))
	if len(orphans) > 0 && j.Cache != nil {
		if err := j.Cache.Invalidate(ctx); err != nil {
			j.logger().Warn("invalidate product cache", slog.Any("error", err))
		}
	}
	j.logger().Info("completed orphan audit",
		slog.Int("products", checked),
		slog.Int("orphans", len(orphans)),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}

// Audit returns the product ids that the catalog reports as missing, along
// with the number of products checked. Transport failures abort the run.
func (j *OrphanAuditJob) Audit(ctx context.Context, limit int) ([]string, int, error) {
	ids, err := j.Serials.ProductIDs(ctx)
	if err != nil {
		return nil, 0, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	var orphans []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		_, err := j.Products.LookupProduct(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			j.logger().Warn("serial records reference missing product", slog.String("product_id", id))
			orphans = append(orphans, id)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return orphans, len(ids), nil
}

func (j *OrphanAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSerialsOrphanAudit))
	}
	return slog.Default().With(slog.String("job", TaskSerialsOrphanAudit))
}

func (j *OrphanAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
