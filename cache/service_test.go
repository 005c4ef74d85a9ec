package cache_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hatchdocs/rag/cache"
)

type fakeStore struct {
	entries map[string]*cache.Entry
	similar []cache.SimilarEntry

	getErr     error
	upsertErr  error
	touched    []string
	upserted   []cache.Entry
	exactCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*cache.Entry)}
}

func storeKey(tenantID, queryHash string) string {
	return tenantID + ":" + queryHash
}

func (f *fakeStore) GetExact(_ context.Context, tenantID, queryHash string) (*cache.Entry, error) {
	f.exactCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	entry, ok := f.entries[storeKey(tenantID, queryHash)]
	if !ok {
		return nil, nil
	}
	entry.HitCount++
	return entry, nil
}

func (f *fakeStore) Touch(_ context.Context, tenantID, queryHash string) error {
	f.touched = append(f.touched, storeKey(tenantID, queryHash))
	return nil
}

func (f *fakeStore) FindSimilar(_ context.Context, _ string, _ []float32, _ int) ([]cache.SimilarEntry, error) {
	return f.similar, nil
}

func (f *fakeStore) Upsert(_ context.Context, entry cache.Entry) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, entry)
	f.entries[storeKey(entry.TenantID, entry.QueryHash)] = &entry
	return nil
}

func (f *fakeStore) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeStore) DeleteTenant(_ context.Context, tenantID string) (int64, error) {
	var deleted int64
	for key := range f.entries {
		if len(key) > len(tenantID) && key[:len(tenantID)+1] == tenantID+":" {
			delete(f.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

var _ cache.Store = (*fakeStore)(nil)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestService(store cache.Store, layer *cache.RedisLayer) *cache.Service {
	return cache.NewService(store, layer, &stubEmbedder{}, quietLogger(), cache.ServiceOptions{})
}

func TestNormalizeQuery(t *testing.T) {
	if got := cache.NormalizeQuery("  Hello   World  "); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if cache.HashQuery("Hello   World") != cache.HashQuery("hello world") {
		t.Fatal("equivalent phrasings must hash identically")
	}
}

func TestLookupExactHitAcrossPhrasings(t *testing.T) {
	store := newFakeStore()
	hash := cache.HashQuery("Hello   World")
	store.entries[storeKey("t1", hash)] = &cache.Entry{
		TenantID:  "t1",
		QueryHash: hash,
		Response:  "cached answer",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	svc := newTestService(store, nil)
	hit, ok := svc.Lookup(context.Background(), "t1", "hello world")
	if !ok {
		t.Fatal("expected an exact hit for the equivalent phrasing")
	}
	if !hit.Exact || hit.Similarity != 1 || hit.Response != "cached answer" {
		t.Fatalf("unexpected hit %+v", hit)
	}
	if store.entries[storeKey("t1", hash)].HitCount != 1 {
		t.Fatal("exact hit must bump the hit counter")
	}
}

func TestLookupSimilarityThresholdIsInclusive(t *testing.T) {
	store := newFakeStore()
	store.similar = []cache.SimilarEntry{{
		Entry:      cache.Entry{Response: "close enough"},
		Similarity: 0.92,
	}}

	svc := newTestService(store, nil)
	hit, ok := svc.Lookup(context.Background(), "t1", "refund window")
	if !ok {
		t.Fatal("similarity of exactly 0.92 must hit")
	}
	if hit.Exact || hit.Similarity != 0.92 || hit.Response != "close enough" {
		t.Fatalf("unexpected hit %+v", hit)
	}

	store.similar = []cache.SimilarEntry{{
		Entry:      cache.Entry{Response: "not quite"},
		Similarity: 0.9199,
	}}
	if _, ok := svc.Lookup(context.Background(), "t1", "refund window"); ok {
		t.Fatal("similarity below the threshold must miss")
	}
}

func TestLookupSwallowsStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")

	svc := newTestService(store, nil)
	if _, ok := svc.Lookup(context.Background(), "t1", "anything"); ok {
		t.Fatal("store errors must degrade to a miss")
	}
}

func TestStoreResponseGatedByDenseScore(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	// At the gate: not confident enough to cache.
	svc.StoreResponse(ctx, "t1", "question", "answer", 0.7)
	if len(store.upserted) != 0 {
		t.Fatal("top dense score at the gate must not be cached")
	}

	svc.StoreResponse(ctx, "t1", "question", "answer", 0.71)
	if len(store.upserted) != 1 {
		t.Fatalf("expected one cached entry, got %d", len(store.upserted))
	}

	entry := store.upserted[0]
	if entry.QueryHash != cache.HashQuery("question") {
		t.Fatal("entry must be keyed by the normalized query hash")
	}
	if remaining := time.Until(entry.ExpiresAt); remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Fatalf("expected roughly a 24h TTL, got %s", remaining)
	}
}

func TestStoreResponseSkipsBlankAnswers(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	svc.StoreResponse(context.Background(), "t1", "question", "   ", 0.95)
	if len(store.upserted) != 0 {
		t.Fatal("blank answers must not be cached")
	}
}

func TestStoreResponseWithoutEmbedderIsANoOp(t *testing.T) {
	store := newFakeStore()
	svc := cache.NewService(store, nil, nil, quietLogger(), cache.ServiceOptions{})

	svc.StoreResponse(context.Background(), "t1", "question", "answer", 0.95)
	if len(store.upserted) != 0 {
		t.Fatal("a service without an embedder must skip cache writes")
	}

	// The exact-hash read path still works without an embedder.
	hash := cache.HashQuery("question")
	store.entries[storeKey("t1", hash)] = &cache.Entry{
		TenantID:  "t1",
		QueryHash: hash,
		Response:  "cached answer",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if _, ok := svc.Lookup(context.Background(), "t1", "question"); !ok {
		t.Fatal("exact lookups must not require an embedder")
	}
}

func TestStoreResponseSwallowsWriteErrors(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("disk full")

	svc := newTestService(store, nil)
	svc.StoreResponse(context.Background(), "t1", "question", "answer", 0.95)
	// No panic and no entry is the whole contract.
	if len(store.upserted) != 0 {
		t.Fatal("failed writes must not record entries")
	}
}

func newRedisLayer(t *testing.T) (*cache.RedisLayer, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisLayer(client, time.Hour), srv
}

func TestRedisLayerRoundTrip(t *testing.T) {
	layer, _ := newRedisLayer(t)
	ctx := context.Background()

	if _, found, err := layer.Get(ctx, "t1", "h1"); err != nil || found {
		t.Fatalf("expected a clean miss, got found=%v err=%v", found, err)
	}

	if err := layer.Set(ctx, "t1", "h1", "answer"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, found, err := layer.Get(ctx, "t1", "h1")
	if err != nil || !found || value != "answer" {
		t.Fatalf("expected a hit with %q, got %q found=%v err=%v", "answer", value, found, err)
	}
}

func TestRedisLayerInvalidateTenantIsScoped(t *testing.T) {
	layer, _ := newRedisLayer(t)
	ctx := context.Background()

	if err := layer.Set(ctx, "t1", "h1", "a"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := layer.Set(ctx, "t1", "h2", "b"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := layer.Set(ctx, "t2", "h1", "c"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := layer.InvalidateTenant(ctx, "t1"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	if _, found, _ := layer.Get(ctx, "t1", "h1"); found {
		t.Fatal("t1 entries must be gone")
	}
	if _, found, _ := layer.Get(ctx, "t1", "h2"); found {
		t.Fatal("t1 entries must be gone")
	}
	if value, found, _ := layer.Get(ctx, "t2", "h1"); !found || value != "c" {
		t.Fatal("other tenants must be untouched")
	}
}

func TestLookupRedisHitTouchesDurableStore(t *testing.T) {
	layer, _ := newRedisLayer(t)
	store := newFakeStore()
	svc := newTestService(store, layer)
	ctx := context.Background()

	hash := cache.HashQuery("question")
	if err := layer.Set(ctx, "t1", hash, "fast answer"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	hit, ok := svc.Lookup(ctx, "t1", "Question")
	if !ok || !hit.Exact || hit.Response != "fast answer" {
		t.Fatalf("expected a redis exact hit, got ok=%v hit=%+v", ok, hit)
	}
	if len(store.touched) != 1 || store.touched[0] != storeKey("t1", hash) {
		t.Fatalf("redis hits must bump the durable counter, touched=%v", store.touched)
	}
	if store.exactCalls != 0 {
		t.Fatal("redis hits must not fall through to the durable lookup")
	}
}

func TestStoreResponseWritesThroughToRedis(t *testing.T) {
	layer, _ := newRedisLayer(t)
	store := newFakeStore()
	svc := newTestService(store, layer)
	ctx := context.Background()

	svc.StoreResponse(ctx, "t1", "question", "answer", 0.95)

	value, found, err := layer.Get(ctx, "t1", cache.HashQuery("question"))
	if err != nil || !found || value != "answer" {
		t.Fatalf("expected the answer in redis, got %q found=%v err=%v", value, found, err)
	}
}
