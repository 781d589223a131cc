package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Recorder takes the audit record of a judged submission. Implementations
// must not block the caller: the verdict has already been decided and the
// response is waiting on it.
type Recorder interface {
	Log(exec *Execution)
}

// NopRecorder discards records; used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Log(*Execution) {}

// Sink persists one record together with its violation events. *DB is the
// production sink.
type Sink interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

const (
	defaultAuditQueue = 10000
	auditAttempts     = 4
	auditWriteTimeout = 5 * time.Second
)

// AuditWriter queues verdict records and persists them from one goroutine.
// When the queue is full the record is dropped and counted; the audit trail
// is best effort, the verdict is not.
type AuditWriter struct {
	sink    Sink
	queue   chan *Execution
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// first retry delay, doubled per attempt
	backoff time.Duration
}

func NewAuditWriter(sink Sink, queueSize int) *AuditWriter {
	if queueSize < 1 {
		queueSize = defaultAuditQueue
	}
	return &AuditWriter{
		sink:    sink,
		queue:   make(chan *Execution, queueSize),
		stop:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.queue <- exec:
	default:
		n := w.dropped.Add(1)
		log.Warn().
			Str("exec_id", exec.ID).
			Str("classification", exec.Classification).
			Uint64("dropped_total", n).
			Msg("audit queue full, verdict record not persisted")
	}
}

// Dropped reports how many records were discarded on a full queue.
func (w *AuditWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Flush persists what is still queued and stops the writer, waiting at most
// timeout. Later calls are no-ops apart from the wait.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.stopped.Do(func() { close(w.stop) })

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Uint64("dropped_total", w.Dropped()).Msg("audit queue drained")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.queue)).Msg("audit queue drain timed out")
	}
}

func (w *AuditWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.queue:
			w.persist(exec)
		case <-w.stop:
			for {
				select {
				case exec := <-w.queue:
					w.persist(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) persist(exec *Execution) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.backoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		return struct{}{}, w.sink.LogExecution(ctx, exec)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(auditAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Int("attempt", attempt).
				Dur("next_in", next).
				Msg("persisting verdict record failed, retrying")
		}),
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("exec_id", exec.ID).
			Str("identity_hash", exec.IdentityHash).
			Str("classification", exec.Classification).
			Int("violations", exec.Violations).
			Msg("verdict record lost after retries")
	}
}
