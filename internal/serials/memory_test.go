package serials

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	byID    map[string]SerialRecord
	byCode  map[string]string
	lookups int
	// failInsertAfter aborts the tx after this many successful inserts when > 0.
	failInsertAfter int
}

type memoryTx struct {
	repo    *memoryRepo
	pending map[string]SerialRecord
	order   []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{byID: make(map[string]SerialRecord), byCode: make(map[string]string)}
}

// WithTx holds the repository lock for the whole transaction and only commits
// pending inserts when fn succeeds.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, pending: make(map[string]SerialRecord)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, code := range tx.order {
		rec := tx.pending[code]
		r.byID[rec.ID] = rec
		r.byCode[code] = rec.ID
	}
	return nil
}

func (tx *memoryTx) InsertIfAbsent(ctx context.Context, rec SerialRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := tx.repo.byCode[rec.Code]; ok {
		return false, nil
	}
	if _, ok := tx.pending[rec.Code]; ok {
		return false, nil
	}
	if tx.repo.failInsertAfter > 0 && len(tx.order) >= tx.repo.failInsertAfter {
		return false, context.Canceled
	}
	tx.pending[rec.Code] = rec
	tx.order = append(tx.order, rec.Code)
	return true, nil
}

func (r *memoryRepo) seed(rec SerialRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec
	r.byCode[rec.Code] = rec.ID
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *memoryRepo) lookupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *memoryRepo) Get(ctx context.Context, id string) (SerialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	rec, ok := r.byID[id]
	if !ok {
		return SerialRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) GetByCode(ctx context.Context, code string) (SerialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	id, ok := r.byCode[code]
	if !ok {
		return SerialRecord{}, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *memoryRepo) ListByProduct(ctx context.Context, productID string, filter ListFilter) ([]SerialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SerialRecord
	for _, rec := range r.byID {
		if rec.ProductID != productID {
			continue
		}
		if filter.Status != 0 && rec.Status != filter.Status {
			continue
		}
		if filter.BatchLabel != "" && (rec.BatchLabel == nil || *rec.BatchLabel != filter.BatchLabel) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) Summarize(ctx context.Context, productID string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Summary
	for _, rec := range r.byID {
		if rec.ProductID != productID {
			continue
		}
		s.Total++
		switch rec.Status {
		case StatusActive:
			s.Active++
		case StatusDeactivated:
			s.Deactivated++
		}
		if rec.Verified() {
			s.Verified++
		}
	}
	return s, nil
}

func (r *memoryRepo) MarkDeactivated(ctx context.Context, id string) (SerialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return SerialRecord{}, ErrNotFound
	}
	next, changed := rec.Status.Deactivate()
	if !changed {
		return rec, ErrNotActive
	}
	rec.Status = next
	r.byID[id] = rec
	return rec, nil
}

func (r *memoryRepo) RecordVerification(ctx context.Context, id string, at time.Time) (SerialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return SerialRecord{}, ErrNotFound
	}
	if rec.Status != StatusActive {
		return rec, ErrNotActive
	}
	rec.VerifiedCount++
	rec.VerifiedAt = &at
	r.byID[id] = rec
	return rec, nil
}

func (r *memoryRepo) DistinctProductIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, rec := range r.byID {
		if _, ok := seen[rec.ProductID]; ok {
			continue
		}
		seen[rec.ProductID] = struct{}{}
		ids = append(ids, rec.ProductID)
	}
	sort.Strings(ids)
	return ids, nil
}

type memoryCatalog struct {
	mu       sync.Mutex
	products map[string]catalog.Product
	err      error
}

func newMemoryCatalog(ids ...string) *memoryCatalog {
	c := &memoryCatalog{products: make(map[string]catalog.Product)}
	for _, id := range ids {
		c.products[id] = catalog.Product{ID: id, Name: "Product " + id}
	}
	return c
}

func (c *memoryCatalog) LookupProduct(ctx context.Context, id string) (catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return catalog.Product{}, c.err
	}
	p, ok := c.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (c *memoryCatalog) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, id)
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]struct{})
	}
	k := module + ":" + key
	if _, ok := m.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[k] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+":"+key)
	return nil
}

type countingMetrics struct {
	mu            sync.Mutex
	issued        int
	redraws       int
	exhausted     int
	verifications map[string]int
}

func (m *countingMetrics) Issued(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued += n
}

func (m *countingMetrics) Redraw() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redraws++
}

func (m *countingMetrics) Exhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted++
}

func (m *countingMetrics) Verification(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifications == nil {
		m.verifications = make(map[string]int)
	}
	m.verifications[outcome]++
}

// constantSource yields the same byte forever, so every draw is identical.
func constantSource(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 1<<16))
}
