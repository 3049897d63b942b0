// Package deepindex builds a full-text search corpus over decrypted record
// bodies in the background. The corpus lives for the process only; decrypted
// text is never written to durable storage.
package deepindex

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"VaultShare/internal/access"
	"VaultShare/internal/cache"
	"VaultShare/internal/docstore"
	"VaultShare/internal/envelope"
	"VaultShare/internal/model"
)

// Progress is emitted to subscribers after every processed record.
type Progress struct {
	IsIndexing  bool
	Total       int
	Processed   int
	CurrentItem string
}

// Token is a cooperative cancellation token: checked before each record,
// never pre-emptive.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func newToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel requests a stop at the next checkpoint.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Run is the handle of one indexing pass.
type Run struct {
	token *Token
	done  chan struct{}
}

// Done closes when the run completes or stops at a cancellation checkpoint.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run cooperatively; already-indexed entries are retained.
func (r *Run) Cancel() { r.token.Cancel() }

type corpusEntry struct {
	version string
	text    string
}

// Options tunes one indexer instance.
type Options struct {
	Collection    string
	Yield         time.Duration
	Timeout       time.Duration
	Retries       uint64
	RetryInterval time.Duration
}

// Service is the background indexer. One instance per session; at most one
// run is active at a time.
type Service struct {
	docs  docstore.DocumentStore
	blobs docstore.BlobStore
	meta  *cache.Cache
	opts  Options
	log   *zap.SugaredLogger

	mu      sync.Mutex
	current *Run
	subs    map[int]func(Progress)
	nextSub int

	corpusMu sync.RWMutex
	corpus   map[string]corpusEntry
}

// New создаёт индексатор; отдельный экземпляр на сессию, Dispose по завершении.
func New(docs docstore.DocumentStore, blobs docstore.BlobStore, meta *cache.Cache, opts Options, log *zap.SugaredLogger) *Service {
	if opts.Yield <= 0 {
		opts.Yield = 25 * time.Millisecond
	}
	if opts.Collection == "" {
		opts.Collection = "files"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}
	return &Service{
		docs:   docs,
		blobs:  blobs,
		meta:   meta,
		opts:   opts,
		log:    log,
		subs:   map[int]func(Progress){},
		corpus: map[string]corpusEntry{},
	}
}

// Dispose cancels any active run, waits for it to stop and drops the corpus.
// Ждать обязательно: запись, которая индексируется в этот момент, иначе
// попала бы в корпус уже после сброса.
func (s *Service) Dispose() {
	s.mu.Lock()
	run := s.current
	if run != nil {
		run.Cancel()
	}
	s.mu.Unlock()
	if run != nil {
		<-run.Done()
	}
	s.corpusMu.Lock()
	s.corpus = map[string]corpusEntry{}
	s.corpusMu.Unlock()
}

// Subscribe registers a progress listener and returns its unsubscribe handle.
func (s *Service) Subscribe(fn func(Progress)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) publish(p Progress) {
	s.mu.Lock()
	listeners := make([]func(Progress), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
}

// HasCache reports whether the record is indexed at exactly this version.
// Editing a record changes its version token and so invalidates only its own
// entry.
func (s *Service) HasCache(id, versionToken string) bool {
	s.corpusMu.RLock()
	defer s.corpusMu.RUnlock()
	e, ok := s.corpus[id]
	return ok && e.version == versionToken
}

// Search returns ids of indexed records whose text contains the term.
func (s *Service) Search(term string) []string {
	term = strings.ToLower(term)
	s.corpusMu.RLock()
	defer s.corpusMu.RUnlock()
	var ids []string
	for id, e := range s.corpus {
		if strings.Contains(strings.ToLower(e.text), term) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start begins a background pass over the candidate records. While a run is
// in flight a second Start returns the same handle instead of starting
// another pass.
func (s *Service) Start(ctx context.Context, candidates []model.FileRecord, userID string, privateKey []byte) *Run {
	s.mu.Lock()
	if s.current != nil {
		run := s.current
		s.mu.Unlock()
		return run
	}
	run := &Run{token: newToken(), done: make(chan struct{})}
	s.current = run
	s.mu.Unlock()

	// Records already indexed at their current version are filtered up front.
	pending := make([]model.FileRecord, 0, len(candidates))
	for _, r := range candidates {
		if !s.HasCache(r.ID, r.VersionToken()) {
			pending = append(pending, r)
		}
	}

	go s.loop(ctx, run, pending, userID, privateKey)
	return run
}

func (s *Service) loop(ctx context.Context, run *Run, pending []model.FileRecord, userID string, privateKey []byte) {
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.publish(Progress{IsIndexing: false, Total: len(pending), Processed: s.processedOf(pending)})
		close(run.done)
	}()

	for i := range pending {
		if run.token.Cancelled() || ctx.Err() != nil {
			s.log.Infow("indexing cancelled", "processed", i, "total", len(pending))
			return
		}
		r := &pending[i]
		s.indexOne(ctx, r, userID, privateKey)
		s.publish(Progress{IsIndexing: true, Total: len(pending), Processed: i + 1, CurrentItem: r.ID})

		// Yield between records so interactive decryption is never starved.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.Yield):
		}
	}
	s.log.Infow("indexing completed", "total", len(pending))
}

func (s *Service) processedOf(pending []model.FileRecord) int {
	n := 0
	s.corpusMu.RLock()
	defer s.corpusMu.RUnlock()
	for i := range pending {
		if e, ok := s.corpus[pending[i].ID]; ok && e.version == pending[i].VersionToken() {
			n++
		}
	}
	return n
}

// indexOne decrypts one record body and stores its text. A failure indexes a
// placeholder so the batch keeps moving and the record is not retried on the
// next pass at the same version.
func (s *Service) indexOne(ctx context.Context, r *model.FileRecord, userID string, privateKey []byte) {
	text, err := s.decryptBody(ctx, r, userID, privateKey)
	if err != nil {
		s.log.Debugw("index: record undecryptable", "record", r.ID, "error", err)
		text = ""
	}
	meta := s.meta.GetOrDecrypt(r, userID, privateKey)
	if !meta.Undecryptable {
		text = meta.Name + "\n" + strings.Join(meta.Tags, "\n") + "\n" + text
	}
	s.corpusMu.Lock()
	s.corpus[r.ID] = corpusEntry{version: r.VersionToken(), text: text}
	s.corpusMu.Unlock()
}

func (s *Service) decryptBody(ctx context.Context, r *model.FileRecord, userID string, privateKey []byte) (string, error) {
	env, err := access.Envelope(r, userID)
	if err != nil {
		return "", err
	}
	contentKey, err := envelope.UnwrapForRecipient(env, privateKey)
	if err != nil {
		return "", err
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	blob, err := s.blobs.Get(ctx, r.StoragePath)
	if err != nil {
		return "", err
	}
	body, err := envelope.DecryptContent(blob, contentKey)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// IndexSingleRecord is the point update used right after a record edit. The
// fresh version may not be visible to a read-after-write yet, so the fetch
// retries with a short backoff; after the attempts run out the record passed
// by the caller is indexed directly.
func (s *Service) IndexSingleRecord(ctx context.Context, r *model.FileRecord, userID string, privateKey []byte, forceRefresh bool) {
	if !forceRefresh && s.HasCache(r.ID, r.VersionToken()) {
		return
	}
	fresh := r
	op := func() error {
		doc, err := s.docs.GetDocument(ctx, s.opts.Collection, r.ID)
		if err != nil {
			return err
		}
		got, err := model.RecordFromDocument(doc)
		if err != nil {
			return err
		}
		if got.ModifiedAt.Before(r.ModifiedAt) {
			return docstore.ErrNotFound // stale read, retry
		}
		fresh = got
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.RetryInterval
	bo := backoff.WithMaxRetries(exp, s.opts.Retries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		s.log.Debugw("index: fresh read failed, using caller copy", "record", r.ID, "error", err)
	}
	s.meta.Invalidate(fresh.ID)
	s.indexOne(ctx, fresh, userID, privateKey)
}
