package personabot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lmittmann/tint"
)

// Summarizer distills a conversation transcript into candidate memory
// records for a persona.
type Summarizer interface {
	Summarize(
		ctx context.Context,
		persona Persona,
		transcript string,
		participantIDs []string,
	) ([]Memory, error)
}

// ConsolidationJob is one unit of background memory consolidation: a
// snapshot of a channel's transcript taken right after a persona
// replied there.
type ConsolidationJob struct {
	Persona        Persona
	ChannelKey     string
	Transcript     string
	ParticipantIDs []string
}

func (j ConsolidationJob) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("persona_id", uint64(j.Persona.ID)),
		slog.String("persona_name", j.Persona.Name),
		slog.String("channel_key", j.ChannelKey),
		slog.Int("transcript_len", len(j.Transcript)),
		slog.Int("participants", len(j.ParticipantIDs)),
	)
}

// Consolidator runs memory consolidation off the reply path: a bounded
// queue feeding a fixed pool of workers, each summarizing transcripts
// and persisting the resulting memories.
//
// Consolidation is best-effort. When the queue is full new jobs are
// dropped, and a failed job is never retried - the conversation moves
// on, and the next reply in the same channel enqueues a fresh snapshot.
type Consolidator struct {
	summarizer Summarizer
	store      MemoryStore
	logger     *slog.Logger
	workers    int
	jobs       chan ConsolidationJob
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	// stopMu orders Enqueue's send against Stop closing the queue, so a
	// racing Enqueue can never send on a closed channel
	stopMu  sync.Mutex
	stopped bool

	metricEnqueued  atomic.Int64
	metricDropped   atomic.Int64
	metricCompleted atomic.Int64
	metricFailed    atomic.Int64
}

func NewConsolidator(
	config *ConsolidationConfig,
	summarizer Summarizer,
	store MemoryStore,
	logger *slog.Logger,
) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	workers := config.Workers
	if workers <= 0 {
		workers = DefaultConsolidationWorkers
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultConsolidationQueueSize
	}
	return &Consolidator{
		summarizer: summarizer,
		store:      store,
		logger:     logger.With(loggerNameKey, "consolidator"),
		workers:    workers,
		jobs:       make(chan ConsolidationJob, queueSize),
	}
}

// Start launches the worker pool. Workers exit when the context is
// canceled or the queue is closed by Stop.
func (c *Consolidator) Start(ctx context.Context) {
	c.startOnce.Do(
		func() {
			for i := 0; i < c.workers; i++ {
				c.wg.Add(1)
				go c.work(ctx, i)
			}
			c.logger.InfoContext(
				ctx,
				"consolidation workers started",
				"workers", c.workers,
				"queue_size", cap(c.jobs),
			)
		},
	)
}

// Enqueue submits a job without blocking. If the queue is full or the
// consolidator is stopped, the job is dropped.
func (c *Consolidator) Enqueue(ctx context.Context, job ConsolidationJob) bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if c.stopped {
		return false
	}
	select {
	case c.jobs <- job:
		c.metricEnqueued.Add(1)
		return true
	default:
		c.metricDropped.Add(1)
		c.logger.WarnContext(
			ctx,
			"consolidation queue full, dropping job",
			"job", job,
		)
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to drain, up to
// the context deadline.
func (c *Consolidator) Stop(ctx context.Context) error {
	c.stopOnce.Do(
		func() {
			c.stopMu.Lock()
			c.stopped = true
			close(c.jobs)
			c.stopMu.Unlock()
		},
	)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info(
			"consolidation workers stopped",
			"completed", c.metricCompleted.Load(),
			"failed", c.metricFailed.Load(),
			"dropped", c.metricDropped.Load(),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf(
			"timed out waiting for consolidation workers: %w",
			ctx.Err(),
		)
	}
}

// QueueDepth returns the number of jobs waiting to be processed.
func (c *Consolidator) QueueDepth() int {
	return len(c.jobs)
}

func (c *Consolidator) work(ctx context.Context, workerID int) {
	defer c.wg.Done()
	logger := c.logger.With("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-c.jobs:
			if !ok {
				return
			}
			c.runJob(ctx, logger, job)
		}
	}
}

// runJob executes one consolidation job. A panicking job kills the job,
// not the worker.
func (c *Consolidator) runJob(
	ctx context.Context,
	logger *slog.Logger,
	job ConsolidationJob,
) {
	defer func() {
		if rv := recover(); rv != nil {
			c.metricFailed.Add(1)
			logger.ErrorContext(
				ctx,
				"panic recovered in consolidation job",
				"panic", rv,
				"job", job,
			)
		}
	}()

	memories, err := c.summarizer.Summarize(
		ctx,
		job.Persona,
		job.Transcript,
		job.ParticipantIDs,
	)
	if err != nil {
		c.metricFailed.Add(1)
		logger.WarnContext(
			ctx,
			"transcript summarization failed",
			tint.Err(err),
			"job", job,
		)
		return
	}
	if len(memories) == 0 {
		c.metricCompleted.Add(1)
		logger.DebugContext(ctx, "no memories extracted", "job", job)
		return
	}

	if err = c.store.CreateBatch(ctx, memories); err != nil {
		c.metricFailed.Add(1)
		logger.ErrorContext(
			ctx,
			"error persisting memories",
			tint.Err(err),
			"job", job,
			"memory_count", len(memories),
		)
		return
	}

	c.metricCompleted.Add(1)
	logger.InfoContext(
		ctx,
		"memories consolidated",
		"job", job,
		"memory_count", len(memories),
	)
}
