package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned when the ingestion queue cannot accept more work.
var ErrQueueFull = errors.New("ingestion queue is full")

// Pool runs ingestions on a bounded set of workers with a bounded queue.
// Upload handlers enqueue and return immediately; ingestion outcomes are
// recorded in the document status, not reported back to the caller.
type Pool struct {
	pipeline *Pipeline
	queue    chan uuid.UUID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue size.
func NewPool(pipeline *Pipeline, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pipeline: pipeline,
		queue:    make(chan uuid.UUID, queueSize),
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	return p
}

// Enqueue schedules a document for ingestion without blocking. A full queue
// drops the task; the document stays UPLOADED and needs a manual re-trigger.
func (p *Pool) Enqueue(docID uuid.UUID) error {
	select {
	case p.queue <- docID:
		return nil
	default:
		log.Warn().Stringer("doc_id", docID).Msg("ingestion queue full, dropping task")
		return ErrQueueFull
	}
}

// Shutdown stops the workers and waits for in-flight ingestions to finish or
// abort at their next suspension point. Tasks still queued are not run, and
// Enqueue is not closed: it keeps buffering tasks that no worker will pick up.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case docID := <-p.queue:
			if err := p.pipeline.Run(ctx, docID); err != nil {
				log.Error().Err(err).Stringer("doc_id", docID).Msg("ingestion task failed")
			}
		}
	}
}
