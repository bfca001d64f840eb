package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/Dharmesh177/zsindia-cms/internal/jobs"
	"github.com/Dharmesh177/zsindia-cms/internal/qrcode"
	"github.com/Dharmesh177/zsindia-cms/internal/serials"
)

// SerialSource lists records and their verification URLs.
type SerialSource interface {
	ListByProduct(ctx context.Context, productID string, filter serials.ListFilter) ([]serials.SerialRecord, serials.Summary, error)
	VerificationURL(rec serials.SerialRecord) string
}

// LabelRenderer writes label archives.
type LabelRenderer interface {
	WriteArchive(w io.Writer, labels []qrcode.Label, size int, modified time.Time) (int, error)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// QRExportJob renders every active label of a product into a zip archive.
type QRExportJob struct {
	Serials  SerialSource
	Renderer LabelRenderer
	Dir      string
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewQRExportJob wires dependencies for the export handler.
func NewQRExportJob(source SerialSource, renderer LabelRenderer, dir string, logger *slog.Logger, metrics *jobmetrics.Metrics) *QRExportJob {
	return &QRExportJob{
		Serials:  source,
		Renderer: renderer,
		Dir:      dir,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskSerialsQRExport tasks.
func (j *QRExportJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Serials == nil || j.Renderer == nil {
		return errors.New("qr export: handler not configured")
	}
	var payload QRExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ProductID == "" {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSerialsQRExport)
	logger := j.logger().With(slog.String("product_id", payload.ProductID))
	path, count, err := j.Export(ctx, payload)
	if err != nil {
		logger.Error("qr export failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddExportedLabels(count)
	logger.Info("qr export written", slog.String("path", path), slog.Int("labels", count))
	return tracker.End(nil)
}

// Export writes the archive and returns its path and label count.
func (j *QRExportJob) Export(ctx context.Context, payload QRExportPayload) (string, int, error) {
	records, _, err := j.Serials.ListByProduct(ctx, payload.ProductID, serials.ListFilter{
		Status:     serials.StatusActive,
		BatchLabel: payload.BatchLabel,
	})
	if err != nil {
		return "", 0, err
	}
	product := safeName(payload.ProductID)
	labels := make([]qrcode.Label, 0, len(records))
	for _, rec := range records {
		labels = append(labels, qrcode.Label{
			Name:    fmt.Sprintf("%s-%s.png", product, rec.Code),
			Payload: j.Serials.VerificationURL(rec),
		})
	}

	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("qr export: create dir: %w", err)
	}
	now := j.now()
	name := product
	if payload.BatchLabel != "" {
		name += "-" + safeName(payload.BatchLabel)
	}
	name += "-" + now.Format("20060102T150405Z") + ".zip"
	final := filepath.Join(j.Dir, name)

	tmp, err := os.CreateTemp(j.Dir, ".export-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("qr export: temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	count, err := j.Renderer.WriteArchive(tmp, labels, payload.Size, now)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("qr export: publish archive: %w", err)
	}
	return final, count, nil
}

func safeName(raw string) string {
	name := unsafeName.ReplaceAllString(raw, "_")
	if name == "" {
		return "_"
	}
	return name
}

func (j *QRExportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSerialsQRExport))
	}
	return slog.Default().With(slog.String("job", TaskSerialsQRExport))
}

func (j *QRExportJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *QRExportJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
