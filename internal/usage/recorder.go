// Package usage persists one audit record per completed request,
// asynchronously. Recording is fire-and-forget: it never delays the
// response, and failures are logged and swallowed so proxy latency stays
// independent of the analytics store's health.
package usage

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/logging"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Recorder buffers usage records and flushes them to the store in
// batches. A full buffer drops the record rather than block the request
// path.
type Recorder struct {
	store         catalog.Store
	records       chan catalog.UsageRecord
	batchSize     int
	flushInterval time.Duration

	// mirror is an optional rotating JSONL audit log.
	mirror io.WriteCloser

	// onDrop is invoked for each record lost to a full buffer.
	onDrop func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecorder creates a Recorder and starts its flush loop. onDrop may be
// nil.
func NewRecorder(store catalog.Store, cfg config.UsageConfig, onDrop func()) *Recorder {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 128
	}
	interval := time.Duration(cfg.FlushIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	if onDrop == nil {
		onDrop = func() {}
	}

	r := &Recorder{
		store:         store,
		records:       make(chan catalog.UsageRecord, bufSize),
		batchSize:     batchSize,
		flushInterval: interval,
		onDrop:        onDrop,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	if cfg.LogFile != "" {
		r.mirror = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}

	go r.run()
	return r
}

// Record enqueues one usage record without blocking. Missing ID and
// timestamp fields are filled in here so callers stay terse.
func (r *Recorder) Record(rec catalog.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case r.records <- rec:
	default:
		r.onDrop()
	}
}

// Close stops the flush loop after draining buffered records.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
	if r.mirror != nil {
		return r.mirror.Close()
	}
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]catalog.UsageRecord, 0, r.batchSize)

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stop:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case rec := <-r.records:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes one batch, retrying briefly against a store that is only
// momentarily unavailable. A batch that still fails is logged and
// dropped; usage writes are fail-open by design.
func (r *Recorder) flush(batch []catalog.UsageRecord) {
	r.writeMirror(batch)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.store.InsertUsage(ctx, batch)
	}, bo)
	if err != nil {
		logging.Warn("usage batch dropped",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
	}
}

func (r *Recorder) writeMirror(batch []catalog.UsageRecord) {
	if r.mirror == nil {
		return
	}
	enc := json.NewEncoder(r.mirror)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			logging.Warn("usage mirror write failed", zap.Error(err))
			return
		}
	}
}
