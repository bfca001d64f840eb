package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSerialsQRExport renders the labels of a product into a zip archive.
	TaskSerialsQRExport = "serials:qr-export"
	// TaskSerialsOrphanAudit scans issued records for products the catalog no
	// longer knows.
	TaskSerialsOrphanAudit = "serials:orphan-audit"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// QRExportPayload selects the labels to archive.
type QRExportPayload struct {
	ProductID   string `json:"product_id"`
	BatchLabel  string `json:"batch_label,omitempty"`
	Size        int    `json:"size,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewQRExportTask constructs the archive task.
func NewQRExportTask(payload QRExportPayload) (*asynq.Task, error) {
	if payload.ProductID == "" {
		return nil, errors.New("qr export: product id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSerialsQRExport, data, asynq.MaxRetry(3)), nil
}

// OrphanAuditPayload configures the orphan audit.
type OrphanAuditPayload struct {
	// Limit caps the number of products checked; zero checks all.
	Limit int `json:"limit,omitempty"`
}

// NewOrphanAuditTask constructs the orphan audit task.
func NewOrphanAuditTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(OrphanAuditPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSerialsOrphanAudit, data), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
