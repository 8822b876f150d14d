package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/metrics"
)

const (
	reserveBlock    = 2 * time.Second
	attemptTimeout  = 5 * time.Second
	promoteInterval = time.Second
	outageBackoff   = time.Second
)

// Handler processes one delivery attempt of a job. A nil return
// acknowledges the job; an error schedules a retry until the attempt
// budget runs out.
type Handler func(ctx context.Context, job *Job) error

// DeadLetterFunc stores a job that exhausted its retries.
type DeadLetterFunc func(ctx context.Context, payload []byte, reason string) error

// WorkerPool runs a bounded set of consumers over a Store. Each worker
// reserves a job, runs the handler under a bounded timeout and then
// acknowledges, reschedules or dead-letters it. A side goroutine promotes
// due retries back onto the queue.
type WorkerPool struct {
	name       string
	store      Store
	avail      Availability
	handler    Handler
	deadLetter DeadLetterFunc
	workers    int
	logger     zerolog.Logger

	// recovered flips once the processing list has been requeued.
	// Written by Start before the goroutines launch, then only by the
	// promoter.
	recovered bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool(name string, store Store, avail Availability, handler Handler, deadLetter DeadLetterFunc, workers int, logger zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		name:       name,
		store:      store,
		avail:      avail,
		handler:    handler,
		deadLetter: deadLetter,
		workers:    workers,
		logger:     logger.With().Str("component", "queue").Str("queue", name).Logger(),
	}
}

// Start launches the workers and the retry promoter. Jobs stranded on
// the processing list by an earlier crash are requeued first; when the
// broker is down at start, the promoter requeues them once it returns.
func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if p.avail.Available() {
		p.recoverStranded(ctx)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}

	p.wg.Add(1)
	go p.promote(ctx)

	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Stop drains the pool. In-flight attempts finish; unacknowledged jobs
// stay on the processing list and are recovered on the next start.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *WorkerPool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.avail.Available() {
			p.sleep(ctx, outageBackoff)
			continue
		}

		payload, err := p.store.Reserve(ctx, reserveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("reserve failed")
			p.sleep(ctx, outageBackoff)
			continue
		}
		if payload == nil {
			continue
		}

		p.process(ctx, payload)
	}
}

// process runs one delivery attempt and settles the job's fate:
// acknowledged, retry-scheduled or dead-lettered.
func (p *WorkerPool) process(ctx context.Context, payload []byte) {
	job, err := DecodeJob(payload)
	if err != nil {
		// Undecodable payloads can never succeed; park them where an
		// operator can see them instead of retrying forever.
		p.toDeadLetter(ctx, payload, "undecodable payload: "+err.Error())
		return
	}

	job.Attempts++

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	handlerErr := p.handler(attemptCtx, job)
	cancel()

	if handlerErr == nil {
		if err := p.store.Ack(ctx, payload); err != nil {
			p.logger.Warn().Err(err).Str("job", job.ID).Msg("ack failed, job may be redelivered")
		}
		return
	}

	if job.Attempts >= MaxAttempts {
		p.logger.Error().
			Err(handlerErr).
			Str("job", job.ID).
			Str("room", job.RoomKey).
			Int("attempts", job.Attempts).
			Msg("job exhausted retries, message not delivered")
		p.toDeadLetter(ctx, payload, handlerErr.Error())
		return
	}

	updated, err := job.Encode()
	if err != nil {
		p.toDeadLetter(ctx, payload, "re-encode failed: "+err.Error())
		return
	}

	delay := RetryDelay(job.Attempts)
	if err := p.store.Retry(ctx, payload, updated, time.Now().Add(delay)); err != nil {
		// The payload stays on the processing list; it will be retried
		// when the list is recovered.
		p.logger.Warn().Err(err).Str("job", job.ID).Msg("retry scheduling failed")
		return
	}

	metrics.JobRetries.Inc()
	p.logger.Warn().
		Err(handlerErr).
		Str("job", job.ID).
		Int("attempt", job.Attempts).
		Dur("next_in", delay).
		Msg("attempt failed, retry scheduled")
}

func (p *WorkerPool) toDeadLetter(ctx context.Context, payload []byte, reason string) {
	if err := p.deadLetter(ctx, payload, reason); err != nil {
		p.logger.Error().Err(err).Msg("dead-letter write failed, job left on processing list")
		return
	}
	if err := p.store.Ack(ctx, payload); err != nil {
		p.logger.Warn().Err(err).Msg("ack after dead-letter failed")
	}
	metrics.DeadLetteredJobs.Inc()
}

// recoverStranded requeues jobs left unacknowledged on the processing
// list by an earlier crash.
func (p *WorkerPool) recoverStranded(ctx context.Context) {
	n, err := p.store.Recover(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("processing list recovery failed")
		return
	}
	p.recovered = true
	if n > 0 {
		p.logger.Info().Int("jobs", n).Msg("recovered unacknowledged jobs")
	}
}

// promote periodically moves due retries back onto the queue and samples
// the queue depth.
func (p *WorkerPool) promote(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.avail.Available() {
				continue
			}
			if !p.recovered {
				p.recoverStranded(ctx)
			}
			if n, err := p.store.PromoteDue(ctx, time.Now()); err != nil {
				p.logger.Warn().Err(err).Msg("retry promotion failed")
			} else if n > 0 {
				p.logger.Debug().Int("jobs", n).Msg("promoted due retries")
			}
			if depth, err := p.store.Depth(ctx); err == nil {
				metrics.QueueDepth.WithLabelValues(p.name).Set(float64(depth))
			}
		}
	}
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
