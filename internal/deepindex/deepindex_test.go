package deepindex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"VaultShare/internal/cache"
	"VaultShare/internal/docstore"
	"VaultShare/internal/envelope"
	"VaultShare/internal/keys"
	"VaultShare/internal/model"
)

// fakeStore — документы и блобы в памяти; getCalls считает чтения документов,
// staleReads заставляет первые N чтений отдавать устаревшую версию.
type fakeStore struct {
	mu         sync.Mutex
	docs       map[string]map[string]any
	stale      map[string]map[string]any
	staleReads int
	getCalls   int32
	blobCalls  int32
	blobDelay  time.Duration
	blobs      map[string][]byte
}

var (
	_ docstore.DocumentStore = (*fakeStore)(nil)
	_ docstore.BlobStore     = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:  map[string]map[string]any{},
		blobs: map[string][]byte{},
	}
}

func (f *fakeStore) CreateDocument(_ context.Context, _ string, data map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := data["id"].(string)
	f.docs[id] = data
	return id, nil
}

func (f *fakeStore) GetDocument(_ context.Context, _ string, id string) (map[string]any, error) {
	atomic.AddInt32(&f.getCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staleReads > 0 {
		f.staleReads--
		if doc, ok := f.stale[id]; ok {
			return doc, nil
		}
		return nil, docstore.ErrNotFound
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) UpdateDocument(context.Context, string, string, map[string]any) error {
	return nil
}
func (f *fakeStore) DeleteDocument(context.Context, string, string) error { return nil }
func (f *fakeStore) QueryDocuments(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) Put(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[path] = data
	return nil
}

func (f *fakeStore) Get(_ context.Context, path string) ([]byte, error) {
	atomic.AddInt32(&f.blobCalls, 1)
	f.mu.Lock()
	delay := f.blobDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[path]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) Delete(context.Context, string) error { return nil }

type testEnv struct {
	store *fakeStore
	svc   *Service
	kp    *model.Keypair
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ks := keys.New(0, zap.NewNop().Sugar())
	kp, err := ks.Generate()
	require.NoError(t, err)
	store := newFakeStore()
	meta := cache.New(time.Minute, time.Minute, time.Minute, zap.NewNop().Sugar())
	svc := New(store, store, meta, Options{
		Yield:         time.Millisecond,
		Retries:       2,
		RetryInterval: 2 * time.Millisecond,
	}, zap.NewNop().Sugar())
	return &testEnv{store: store, svc: svc, kp: kp}
}

// seedRecord кладёт в фейковое хранилище запись с зашифрованным телом.
func (e *testEnv) seedRecord(t *testing.T, id, body string, modified time.Time) model.FileRecord {
	t.Helper()
	contentKey, err := envelope.GenerateContentKey()
	require.NoError(t, err)
	env, err := envelope.WrapForRecipient(contentKey, e.kp.PublicKey)
	require.NoError(t, err)
	name, err := envelope.EncryptField(id+".txt", contentKey)
	require.NoError(t, err)
	size, err := envelope.EncryptField("1", contentKey)
	require.NoError(t, err)
	blob, err := envelope.EncryptContent([]byte(body), contentKey)
	require.NoError(t, err)

	r := model.FileRecord{
		ID:            id,
		OwnerID:       "alice",
		Name:          name,
		Size:          size,
		StoragePath:   "files/" + id,
		EncryptedKeys: map[string][]byte{"alice": env},
		SharedWith:    []string{"alice"},
		ModifiedAt:    modified,
	}
	require.NoError(t, e.store.Put(context.Background(), r.StoragePath, blob))
	doc, err := r.ToDocument()
	require.NoError(t, err)
	_, err = e.store.CreateDocument(context.Background(), "files", doc)
	require.NoError(t, err)
	return r
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("indexing run did not finish")
	}
}

func TestStart_IndexesAndSearches(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	r1 := e.seedRecord(t, "r1", "quarterly revenue report", now)
	r2 := e.seedRecord(t, "r2", "holiday photo album", now)

	var events []Progress
	var mu sync.Mutex
	unsubscribe := e.svc.Subscribe(func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	defer unsubscribe()

	run := e.svc.Start(context.Background(), []model.FileRecord{r1, r2}, "alice", e.kp.PrivateKey)
	waitDone(t, run)

	assert.True(t, e.svc.HasCache("r1", r1.VersionToken()))
	assert.True(t, e.svc.HasCache("r2", r2.VersionToken()))
	assert.ElementsMatch(t, []string{"r1"}, e.svc.Search("revenue"))
	assert.ElementsMatch(t, []string{"r2"}, e.svc.Search("HOLIDAY"))
	// имя из метаданных тоже попадает в корпус
	assert.ElementsMatch(t, []string{"r1"}, e.svc.Search("r1.txt"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.False(t, last.IsIndexing)
	assert.Equal(t, 2, last.Processed)
}

func TestStart_SecondCallReturnsInFlightRun(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	var records []model.FileRecord
	for _, id := range []string{"a", "b", "c", "d"} {
		records = append(records, e.seedRecord(t, id, "body "+id, now))
	}

	run1 := e.svc.Start(context.Background(), records, "alice", e.kp.PrivateKey)
	run2 := e.svc.Start(context.Background(), records, "alice", e.kp.PrivateKey)
	assert.Same(t, run1, run2, "second Start while a run is active must return the in-flight handle")
	waitDone(t, run1)
}

func TestStart_SkipsAlreadyIndexedVersions(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	r1 := e.seedRecord(t, "r1", "first body", now)

	run := e.svc.Start(context.Background(), []model.FileRecord{r1}, "alice", e.kp.PrivateKey)
	waitDone(t, run)

	// повторный прогон той же версии не трогает хранилище блобов
	before := atomic.LoadInt32(&e.store.blobCalls)
	run = e.svc.Start(context.Background(), []model.FileRecord{r1}, "alice", e.kp.PrivateKey)
	waitDone(t, run)
	assert.Equal(t, before, atomic.LoadInt32(&e.store.blobCalls))
}

func TestVersionInvalidation(t *testing.T) {
	e := newTestEnv(t)
	v1 := time.Now().UTC()
	r := e.seedRecord(t, "r1", "old body", v1)

	run := e.svc.Start(context.Background(), []model.FileRecord{r}, "alice", e.kp.PrivateKey)
	waitDone(t, run)

	tokenV1 := r.VersionToken()
	assert.True(t, e.svc.HasCache("r1", tokenV1))

	// правка записи: версия V2 не проиндексирована, V1 остаётся в корпусе
	r.ModifiedAt = v1.Add(time.Second)
	assert.True(t, e.svc.HasCache("r1", tokenV1))
	assert.False(t, e.svc.HasCache("r1", r.VersionToken()))
}

func TestCancel_RetainsPartialCorpus(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	var records []model.FileRecord
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		records = append(records, e.seedRecord(t, id, "body "+id, now))
	}

	processed := make(chan struct{}, len(records))
	unsubscribe := e.svc.Subscribe(func(p Progress) {
		if p.IsIndexing {
			processed <- struct{}{}
		}
	})
	defer unsubscribe()

	run := e.svc.Start(context.Background(), records, "alice", e.kp.PrivateKey)
	<-processed // хотя бы одна запись обработана
	run.Cancel()
	waitDone(t, run)

	indexed := 0
	for _, r := range records {
		if e.svc.HasCache(r.ID, r.VersionToken()) {
			indexed++
		}
	}
	assert.Greater(t, indexed, 0, "cancelled run must retain already-indexed entries")

	// после отмены можно запустить новый прогон
	run2 := e.svc.Start(context.Background(), records, "alice", e.kp.PrivateKey)
	waitDone(t, run2)
}

func TestIndexSingleRecord_RetriesStaleRead(t *testing.T) {
	e := newTestEnv(t)
	v1 := time.Now().UTC()
	r := e.seedRecord(t, "r1", "fresh body after edit", v1.Add(time.Second))

	// первые чтения отдают устаревшую версию документа
	staleDoc, err := (&model.FileRecord{
		ID:            "r1",
		StoragePath:   r.StoragePath,
		EncryptedKeys: r.EncryptedKeys,
		ModifiedAt:    v1,
	}).ToDocument()
	require.NoError(t, err)
	e.store.mu.Lock()
	e.store.stale = map[string]map[string]any{"r1": staleDoc}
	e.store.staleReads = 2
	e.store.mu.Unlock()

	e.svc.IndexSingleRecord(context.Background(), &r, "alice", e.kp.PrivateKey, false)
	assert.True(t, e.svc.HasCache("r1", r.VersionToken()))
	assert.ElementsMatch(t, []string{"r1"}, e.svc.Search("fresh body"))
}

func TestIndexSingleRecord_ForceRefresh(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	r := e.seedRecord(t, "r1", "body one", now)

	e.svc.IndexSingleRecord(context.Background(), &r, "alice", e.kp.PrivateKey, false)
	require.True(t, e.svc.HasCache("r1", r.VersionToken()))

	// без force повторная индексация той же версии — no-op
	before := atomic.LoadInt32(&e.store.getCalls)
	e.svc.IndexSingleRecord(context.Background(), &r, "alice", e.kp.PrivateKey, false)
	assert.Equal(t, before, atomic.LoadInt32(&e.store.getCalls))

	e.svc.IndexSingleRecord(context.Background(), &r, "alice", e.kp.PrivateKey, true)
	assert.Greater(t, atomic.LoadInt32(&e.store.getCalls), before)
}

func TestIndexOne_UndecryptableDoesNotAbort(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	good := e.seedRecord(t, "good", "readable body", now)
	bad := e.seedRecord(t, "bad", "unreachable body", now)
	// ломаем конверт второй записи
	bad.EncryptedKeys["alice"][0] ^= 0xff

	run := e.svc.Start(context.Background(), []model.FileRecord{bad, good}, "alice", e.kp.PrivateKey)
	waitDone(t, run)

	assert.True(t, e.svc.HasCache("good", good.VersionToken()))
	// битая запись проиндексирована заглушкой и не будет пережёвываться заново
	assert.True(t, e.svc.HasCache("bad", bad.VersionToken()))
	assert.Empty(t, e.svc.Search("unreachable"))
}

func TestDispose_CancelsAndClears(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	r := e.seedRecord(t, "r1", "body", now)
	run := e.svc.Start(context.Background(), []model.FileRecord{r}, "alice", e.kp.PrivateKey)
	waitDone(t, run)
	require.True(t, e.svc.HasCache("r1", r.VersionToken()))

	e.svc.Dispose()
	assert.False(t, e.svc.HasCache("r1", r.VersionToken()))
}

func TestDispose_WaitsForInFlightRun(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	var records []model.FileRecord
	for _, id := range []string{"a", "b", "c"} {
		records = append(records, e.seedRecord(t, id, "body "+id, now))
	}
	e.store.mu.Lock()
	e.store.blobDelay = 30 * time.Millisecond
	e.store.mu.Unlock()

	started := make(chan struct{}, len(records))
	unsubscribe := e.svc.Subscribe(func(p Progress) {
		if p.IsIndexing {
			started <- struct{}{}
		}
	})
	defer unsubscribe()

	run := e.svc.Start(context.Background(), records, "alice", e.kp.PrivateKey)
	<-started // следующая запись уже читает блоб
	e.svc.Dispose()

	// Dispose вернулся только после остановки прогона, и запись,
	// дочитанная в этот момент, не пережила сброс корпуса.
	select {
	case <-run.Done():
	default:
		t.Fatalf("Dispose returned before the run stopped")
	}
	for _, r := range records {
		assert.False(t, e.svc.HasCache(r.ID, r.VersionToken()))
	}
}
