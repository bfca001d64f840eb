package serials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
)

const testOrigin = "https://verify.zsindia.test"

var fixedNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, repo Repository, products *memoryCatalog, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.VerifyOrigin == "" {
		cfg.VerifyOrigin = testOrigin
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return fixedNow }
	}
	svc, err := NewService(repo, products, cfg, nil)
	require.NoError(t, err)
	return svc
}

func TestGenerateBatchIssuesActiveRecords(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	metrics := &countingMetrics{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithAudit(audit).WithMetrics(metrics)

	records, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 3, BatchLabel: "  Lot   7 ", Actor: "ops"})
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := make(map[string]struct{})
	for i, rec := range records {
		require.True(t, svc.Links().format.Match(rec.Code), rec.Code)
		require.Regexp(t, `^ZSIN-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, rec.Code)
		require.Equal(t, "P1", rec.ProductID)
		require.NotNil(t, rec.BatchLabel)
		require.Equal(t, "Lot 7", *rec.BatchLabel)
		require.Equal(t, StatusActive, rec.Status)
		require.Zero(t, rec.VerifiedCount)
		require.Nil(t, rec.VerifiedAt)
		if i > 0 {
			require.True(t, rec.CreatedAt.After(records[i-1].CreatedAt))
		}
		seen[rec.Code] = struct{}{}
	}
	require.Len(t, seen, 3)
	require.Equal(t, 3, repo.count())
	require.Equal(t, 3, metrics.issued)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "serials:generate", audit.logs[0].Action)
	require.Equal(t, "P1", audit.logs[0].EntityID)
}

func TestGenerateBatchQuantityBounds(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{})
	ctx := context.Background()

	for _, qty := range []int{0, -1, 1001} {
		_, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: qty})
		require.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", qty)
	}
	require.Zero(t, repo.count())

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].BatchLabel)

	records, err = svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: MaxBatchQuantity})
	require.NoError(t, err)
	require.Len(t, records, MaxBatchQuantity)
	require.Equal(t, MaxBatchQuantity+1, repo.count())
}

func TestGenerateBatchRequiresProduct(t *testing.T) {
	svc := newTestService(t, newMemoryRepo(), newMemoryCatalog(), ServiceConfig{})
	_, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "  ", Quantity: 1})
	require.ErrorIs(t, err, ErrProductRequired)
}

func TestGenerateBatchExhaustedNamespaceLeavesNoRecords(t *testing.T) {
	repo := newMemoryRepo()
	metrics := &countingMetrics{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{Random: constantSource(7)}).WithMetrics(metrics)

	// Every draw yields the same code: the first record succeeds and the second
	// spends its whole budget on collisions.
	_, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 2})
	require.ErrorIs(t, err, ErrExhaustedNamespace)
	require.Zero(t, repo.count())
	require.Equal(t, DefaultMaxDraws, metrics.redraws)
	require.Equal(t, 1, metrics.exhausted)
	require.Zero(t, metrics.issued)
}

func TestGenerateBatchChecksCodesAcrossProducts(t *testing.T) {
	repo := newMemoryRepo()
	// 7 maps to "H"; seed the code a constant source would produce first.
	repo.seed(SerialRecord{ID: "00000000-0000-4000-8000-000000000001", Code: "ZSIN-HHHH-HHHH-HHHH", ProductID: "P0", Status: StatusActive})
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{Random: constantSource(7)})

	_, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 1})
	require.ErrorIs(t, err, ErrExhaustedNamespace)
	require.Equal(t, 1, repo.count())
}

func TestGenerateBatchRollsBackOnStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failInsertAfter = 4
	idem := &memoryIdempotency{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithIdempotency(idem)

	_, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 10, IdempotencyKey: "req-1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, repo.count())

	// The key is released so the request can be retried.
	repo.failInsertAfter = 0
	records, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 10, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.Len(t, records, 10)
}

func TestGenerateBatchReleasesKeyOfCancelledRequest(t *testing.T) {
	repo := newMemoryRepo()
	idem := &memoryIdempotency{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithIdempotency(idem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 3, IdempotencyKey: "req-9"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, repo.count())
	require.Empty(t, idem.keys)

	records, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P1", Quantity: 3, IdempotencyKey: "req-9"})
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestGenerateBatchTreatsProductAsOpaqueKey(t *testing.T) {
	products := newMemoryCatalog()
	products.err = errors.New("catalog unreachable")
	svc := newTestService(t, newMemoryRepo(), products, ServiceConfig{})

	records, err := svc.GenerateBatch(context.Background(), GenerateInput{ProductID: "P-unlisted", Quantity: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestGenerateBatchIdempotencyKeyConflict(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithIdempotency(&memoryIdempotency{})
	ctx := context.Background()

	_, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 2, IdempotencyKey: "abc"})
	require.NoError(t, err)
	_, err = svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 2, IdempotencyKey: "abc"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 2, repo.count())
}

func TestGenerateBatchConcurrentCodesAreUnique(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1", "P2"), ServiceConfig{})
	ctx := context.Background()

	const workers = 8
	const perBatch = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			product := "P1"
			if i%2 == 1 {
				product = "P2"
			}
			_, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: product, Quantity: perBatch})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, workers*perBatch, repo.count())
	require.Len(t, repo.byCode, workers*perBatch)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithAudit(audit)
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	id := records[0].ID

	rec, err := svc.Deactivate(ctx, id, "ops")
	require.NoError(t, err)
	require.Equal(t, StatusDeactivated, rec.Status)

	rec, err = svc.Deactivate(ctx, id, "ops")
	require.NoError(t, err)
	require.Equal(t, StatusDeactivated, rec.Status)
	require.Zero(t, rec.VerifiedCount)

	// Only the real transition is audited.
	require.Len(t, audit.logs, 2)
	require.Equal(t, "serials:deactivate", audit.logs[1].Action)
}

func TestDeactivateUnknownRecord(t *testing.T) {
	svc := newTestService(t, newMemoryRepo(), newMemoryCatalog(), ServiceConfig{})
	_, err := svc.Deactivate(context.Background(), "7b8d7d8e-8f1a-4a57-9b0a-5d1f5f2f2a11", "ops")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Deactivate(context.Background(), "not-a-uuid", "ops")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveValidIncrementsCounter(t *testing.T) {
	repo := newMemoryRepo()
	metrics := &countingMetrics{}
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{}).WithMetrics(metrics)
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	code := records[0].Code

	res, err := svc.Resolve(ctx, svc.VerificationURL(records[0]))
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, code, res.Code)
	require.NotNil(t, res.Product)
	require.Equal(t, "P1", res.Product.ID)
	require.EqualValues(t, 1, res.Record.VerifiedCount)
	require.NotNil(t, res.Record.VerifiedAt)
	require.True(t, res.Record.VerifiedAt.Equal(fixedNow))

	res, err = svc.Resolve(ctx, code)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.EqualValues(t, 2, res.Record.VerifiedCount)
	require.Equal(t, 2, metrics.verifications[""])
}

func TestResolveDeactivatedLeavesCounter(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{})
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, records[0].Code)
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, records[0].ID, "ops")
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, records[0].Code)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonDeactivated, res.Reason)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Product)
	require.EqualValues(t, 1, res.Record.VerifiedCount)

	stored, err := svc.Get(ctx, records[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.VerifiedCount)
}

func TestResolveProductMissing(t *testing.T) {
	repo := newMemoryRepo()
	products := newMemoryCatalog("P1")
	metrics := &countingMetrics{}
	svc := newTestService(t, repo, products, ServiceConfig{}).WithMetrics(metrics)
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	products.remove("P1")

	res, err := svc.Resolve(ctx, records[0].Code)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonProductMissing, res.Reason)
	require.Nil(t, res.Product)

	stored, err := svc.Get(ctx, records[0].ID)
	require.NoError(t, err)
	require.Zero(t, stored.VerifiedCount)
	require.Equal(t, 1, metrics.verifications[string(ReasonProductMissing)])
}

func TestResolveChecksOriginBehindProductCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	origin := newMemoryCatalog("P1")
	cached := catalog.NewCachedStore(origin, catalog.NewCache(client, time.Minute), nil)
	repo := newMemoryRepo()
	svc, err := NewService(repo, cached, ServiceConfig{VerifyOrigin: testOrigin, Clock: func() time.Time { return fixedNow }}, nil)
	require.NoError(t, err)
	svc.WithProductOrigin(origin)
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)
	code := records[0].Code

	// Warm the cache, then delete the product at the origin only.
	_, err = cached.LookupProduct(ctx, "P1")
	require.NoError(t, err)
	res, err := svc.Resolve(ctx, code)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.EqualValues(t, 1, res.Record.VerifiedCount)

	origin.remove("P1")
	_, err = cached.LookupProduct(ctx, "P1")
	require.NoError(t, err)

	res, err = svc.Resolve(ctx, code)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonProductMissing, res.Reason)

	stored, err := repo.Get(ctx, records[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.VerifiedCount)
}

func TestResolveUnknownCode(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{})

	res, err := svc.Resolve(context.Background(), "ZSIN-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonUnknownCode, res.Reason)
	require.Nil(t, res.Record)
}

func TestResolveMalformedInputSkipsStore(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{})
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"hello",
		"ZSIN-AAAA-BBBB",
		"zsin-aaaa-bbbb-cccc",
		"XXXX-AAAA-BBBB-CCCC",
		"ZSIN-AAAA-BBBB-CCCC-DDDD",
		testOrigin + "/verify/",
		testOrigin + "/verify/%zz",
		"'; DROP TABLE serial_records; --",
	} {
		res, err := svc.Resolve(ctx, raw)
		require.NoError(t, err, raw)
		require.Equal(t, ReasonUnknownCode, res.Reason, raw)
	}
	require.Zero(t, repo.lookupCount())
}

func TestResolveSurfacesCatalogFailure(t *testing.T) {
	repo := newMemoryRepo()
	products := newMemoryCatalog("P1")
	svc := newTestService(t, repo, products, ServiceConfig{})
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)

	products.err = errors.New("catalog unavailable")
	_, err = svc.Resolve(ctx, records[0].Code)
	require.Error(t, err)

	stored, err := svc.Get(ctx, records[0].ID)
	require.NoError(t, err)
	require.Zero(t, stored.VerifiedCount)
}

func TestResolveConcurrentCountsEveryScan(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo, newMemoryCatalog("P1"), ServiceConfig{})
	ctx := context.Background()

	records, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1})
	require.NoError(t, err)

	const scans = 64
	var wg sync.WaitGroup
	failures := make(chan string, scans)
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Resolve(ctx, records[0].Code)
			if err != nil || !res.Valid {
				failures <- fmt.Sprintf("%+v %v", res, err)
			}
		}()
	}
	wg.Wait()
	close(failures)
	for failure := range failures {
		t.Fatalf("unexpected resolve result: %s", failure)
	}

	stored, err := svc.Get(ctx, records[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, scans, stored.VerifiedCount)
}

func TestListByProductNewestFirstWithSummary(t *testing.T) {
	repo := newMemoryRepo()
	tick := fixedNow
	svc := newTestService(t, repo, newMemoryCatalog("P1", "P2"), ServiceConfig{Clock: func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}})
	ctx := context.Background()

	first, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 2, BatchLabel: "A"})
	require.NoError(t, err)
	second, err := svc.GenerateBatch(ctx, GenerateInput{ProductID: "P1", Quantity: 1, BatchLabel: "B"})
	require.NoError(t, err)
	_, err = svc.GenerateBatch(ctx, GenerateInput{ProductID: "P2", Quantity: 4})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, first[0].ID, "ops")
	require.NoError(t, err)

	records, summary, err := svc.ListByProduct(ctx, "P1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, second[0].Code, records[0].Code)
	require.Equal(t, Summary{Total: 3, Active: 2, Deactivated: 1}, summary)

	records, _, err = svc.ListByProduct(ctx, "P1", ListFilter{Status: StatusActive, BatchLabel: "A"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, first[1].Code, records[0].Code)

	records, _, err = svc.ListByProduct(ctx, "P1", ListFilter{BatchLabel: "  B "})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, second[0].Code, records[0].Code)

	ids, err := svc.ProductIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"P1", "P2"}, ids)
}

func TestNewServiceRejectsBadPrefix(t *testing.T) {
	_, err := NewService(newMemoryRepo(), newMemoryCatalog(), ServiceConfig{Prefix: "zs-in"}, nil)
	require.Error(t, err)
}
