package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/catalog"
)

type captureStore struct {
	mu      sync.Mutex
	records []catalog.UsageRecord
	fail    int32 // failures remaining before writes succeed
}

func (s *captureStore) APIBySlug(ctx context.Context, slug string) (*catalog.BackendAPI, error) {
	return nil, catalog.ErrNotFound
}

func (s *captureStore) CredentialByKey(ctx context.Context, keyPrefix, keyHash, apiID string) (*catalog.Credential, error) {
	return nil, catalog.ErrNotFound
}

func (s *captureStore) TouchKey(ctx context.Context, keyID string, at time.Time) error { return nil }

func (s *captureStore) InsertUsage(ctx context.Context, records []catalog.UsageRecord) error {
	if atomic.AddInt32(&s.fail, -1) >= 0 {
		return context.DeadlineExceeded
	}
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *captureStore) Ping(ctx context.Context) error { return nil }
func (s *captureStore) Close() error                   { return nil }

func (s *captureStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestRecorderFlushesOnClose(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store, config.UsageConfig{
		BufferSize:      16,
		BatchSize:       100,
		FlushIntervalMS: 60000, // only the close-time flush should fire
	}, nil)

	for i := 0; i < 5; i++ {
		r.Record(catalog.UsageRecord{RequestID: "req", APIID: "api-1", StatusCode: 200})
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if got := store.count(); got != 5 {
		t.Errorf("expected 5 records after drain, got %d", got)
	}
}

func TestRecorderFillsIdentity(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store, config.UsageConfig{BufferSize: 4}, nil)

	r.Record(catalog.UsageRecord{RequestID: "req", APIID: "api-1"})
	r.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.ID == "" {
		t.Error("record ID should be generated")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("record timestamp should be stamped")
	}
}

func TestRecorderBatchSizeTriggersFlush(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store, config.UsageConfig{
		BufferSize:      64,
		BatchSize:       3,
		FlushIntervalMS: 60000,
	}, nil)
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Record(catalog.UsageRecord{RequestID: "req", APIID: "api-1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("batch flush never happened, have %d", store.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecorderRetriesTransientFailure(t *testing.T) {
	store := &captureStore{fail: 2}
	r := NewRecorder(store, config.UsageConfig{BufferSize: 4}, nil)

	r.Record(catalog.UsageRecord{RequestID: "req", APIID: "api-1"})
	r.Close()

	if got := store.count(); got != 1 {
		t.Errorf("record should survive transient store failures, got %d", got)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	var dropped int64
	// A store that blocks forever keeps the flusher busy so the channel
	// stays full.
	blocked := make(chan struct{})
	store := &blockingStore{release: blocked}

	r := NewRecorder(store, config.UsageConfig{
		BufferSize:      1,
		BatchSize:       1,
		FlushIntervalMS: 10,
	}, func() { atomic.AddInt64(&dropped, 1) })

	for i := 0; i < 50; i++ {
		r.Record(catalog.UsageRecord{RequestID: "req", APIID: "api-1"})
	}

	if atomic.LoadInt64(&dropped) == 0 {
		t.Error("expected drops with a full buffer")
	}

	close(blocked)
	r.Close()
}

type blockingStore struct {
	captureStore
	release chan struct{}
}

func (s *blockingStore) InsertUsage(ctx context.Context, records []catalog.UsageRecord) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}
