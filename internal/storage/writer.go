package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EvaluationLogger persists evaluation records. *DB implements it.
type EvaluationLogger interface {
	LogEvaluation(ctx context.Context, ev *Evaluation) error
}

// AuditWriter persists evaluation records off the request path.
type AuditWriter struct {
	db        EvaluationLogger
	ch        chan *Evaluation
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	backoff   time.Duration
}

func NewAuditWriter(db EvaluationLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		ch:      make(chan *Evaluation, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues ev for writing. It never blocks; a full buffer drops the entry.
func (w *AuditWriter) Log(ev *Evaluation) {
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("exec_id", ev.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer after draining queued entries, waiting at most
// timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(ev *Evaluation) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogEvaluation(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", ev.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", ev.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
