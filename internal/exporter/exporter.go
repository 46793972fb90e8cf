// Package exporter batches finalized records and ships them to the sink
// as line-delimited JSON. The queue is bounded; a full queue rejects at
// Submit so backpressure never reaches the kernel. Delivery is
// at-least-once — the sink dedups on event_id.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Tracer-Cloud/tracer-client/internal/metrics"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// ErrBackpressure is returned by Submit when the queue is full. The
// producer decides whether to drop or block.
var ErrBackpressure = errors.New("exporter queue full")

const (
	// DefaultQueueCapacity bounds the in-memory record queue.
	DefaultQueueCapacity = 10_000

	// DefaultBatchSize flushes a batch once it reaches this many records.
	DefaultBatchSize = 128

	// DefaultBatchInterval flushes a partial batch after this long.
	DefaultBatchInterval = 250 * time.Millisecond

	// maxAttempts bounds per-batch delivery attempts.
	maxAttempts = 5

	// requestTimeout is the total deadline for one batch delivery,
	// retries included.
	requestTimeout = 10 * time.Second
)

// Config tunes the exporter. Zero values take the defaults above.
type Config struct {
	SinkURL       string
	APIKey        string
	QueueCapacity int
	BatchSize     int
	BatchInterval time.Duration
}

// Exporter drains the queue in batches on its own task.
type Exporter struct {
	cfg    Config
	queue  chan model.Record
	client *http.Client
	log    *zap.Logger
}

// New builds an Exporter. The HTTP client carries the per-request
// deadline; retries run inside it.
func New(cfg Config, log *zap.Logger) *Exporter {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	return &Exporter{
		cfg:    cfg,
		queue:  make(chan model.Record, cfg.QueueCapacity),
		client: &http.Client{Timeout: requestTimeout},
		log:    log.Named("exporter"),
	}
}

// Submit enqueues one record without blocking. On a full queue it
// returns ErrBackpressure and counts the reject.
func (e *Exporter) Submit(rec model.Record) error {
	select {
	case e.queue <- rec:
		return nil
	default:
		metrics.QueueRejects.Inc()
		return ErrBackpressure
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is
// already queued and returns.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]model.Record, 0, e.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			e.drain(batch)
			return
		case rec := <-e.queue:
			batch = append(batch, rec)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain flushes the pending batch plus whatever is still queued.
func (e *Exporter) drain(batch []model.Record) {
	for {
		select {
		case rec := <-e.queue:
			batch = append(batch, rec)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

// flush serializes a batch to JSON lines and POSTs it with bounded
// retry. On final failure the batch is logged and dropped.
func (e *Exporter) flush(batch []model.Record) {
	body, err := encodeBatch(batch)
	if err != nil {
		e.log.Error("batch encode failed", zap.Error(err))
		metrics.DroppedBatches.Inc()
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = requestTimeout

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if attempt > maxAttempts {
			return backoff.Permanent(errors.New("retry attempts exhausted"))
		}
		if attempt > 1 {
			metrics.ExportRetries.Inc()
		}
		return e.post(ctx, body)
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		e.log.Warn("batch dropped after retries",
			zap.Int("records", len(batch)),
			zap.Int("attempts", attempt),
			zap.Error(err))
		metrics.DroppedBatches.Inc()
		return
	}
	metrics.ShippedEvents.Add(float64(len(batch)))
}

// post delivers one encoded batch. 4xx responses are permanent; 5xx and
// transport errors are retriable.
func (e *Exporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.SinkURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("sink rejected batch: %d", resp.StatusCode))
	}
}

// encodeBatch renders records as line-delimited JSON.
func encodeBatch(batch []model.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// QueueLen reports the current queue depth, for status output.
func (e *Exporter) QueueLen() int { return len(e.queue) }
