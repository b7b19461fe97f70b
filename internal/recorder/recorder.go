// Package recorder hands completed exchanges to the record store off the
// request path. Writes are tracked while in flight and drained on shutdown.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"inference-gateway/internal/database"
	"inference-gateway/internal/metrics"
	"inference-gateway/internal/shared"

	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("recorder is shutting down")

type Store interface {
	RecordExchange(ctx context.Context, ex database.Exchange) (database.ExchangeRef, error)
	RecordStreamArtifact(ctx context.Context, art database.StreamArtifact) error
}

type Recorder struct {
	store   Store
	log     *zap.SugaredLogger
	timeout time.Duration

	mu       sync.Mutex
	inflight int
	closed   bool
	wg       sync.WaitGroup
}

// New returns a recorder writing to store. A nil store makes every record
// call a no-op.
func New(store Store, log *zap.SugaredLogger) *Recorder {
	return &Recorder{store: store, log: log, timeout: shared.PersistTimeout}
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.store != nil
}

func (r *Recorder) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// dispatch runs task in the background, detached from any request
func (r *Recorder) dispatch(name string, task func(ctx context.Context) error) error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warnw("Dropping record after shutdown", "task", name)
		metrics.PersistFailures.WithLabelValues(name).Inc()
		return ErrShuttingDown
	}
	r.inflight++
	r.wg.Add(1)
	r.mu.Unlock()
	metrics.PendingWrites.Inc()

	go func() {
		defer func() {
			r.mu.Lock()
			r.inflight--
			r.mu.Unlock()
			metrics.PendingWrites.Dec()
			r.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			r.log.Errorw("Failed to persist record", "task", name, "error", err)
			metrics.PersistFailures.WithLabelValues(name).Inc()
		}
	}()
	return nil
}

// RecordExchange persists a unary exchange
func (r *Recorder) RecordExchange(ex database.Exchange) error {
	return r.dispatch("exchange", func(ctx context.Context) error {
		_, err := r.store.RecordExchange(ctx, ex)
		return err
	})
}

// RecordStream persists a streamed exchange followed by its raw artifact.
// The artifact is skipped when the exchange could not be written.
func (r *Recorder) RecordStream(ex database.Exchange, art database.StreamArtifact) error {
	return r.dispatch("stream", func(ctx context.Context) error {
		ref, err := r.store.RecordExchange(ctx, ex)
		if err != nil {
			return err
		}
		art.MessageID = ref.AssistantMessageID
		return r.store.RecordStreamArtifact(ctx, art)
	})
}

// Shutdown stops accepting records and waits for the ones in flight
func (r *Recorder) Shutdown(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	pending := r.inflight
	r.mu.Unlock()
	r.log.Infow("Shutting down recorder", "pending", pending)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.log.Warnw("Recorder shutdown timed out", "pending", r.Inflight())
		return ctx.Err()
	}
}
