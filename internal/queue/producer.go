package queue

import (
	"context"
	"fmt"
)

// Producer enqueues validated send jobs.
type Producer struct {
	store Store
	avail Availability
}

// NewProducer creates a Producer.
func NewProducer(store Store, avail Availability) *Producer {
	return &Producer{store: store, avail: avail}
}

// Enqueue validates and pushes a job. Returns ErrMalformedJob for jobs
// that can never be delivered and ErrUnavailable when the broker is down,
// in which case the caller must take its synchronous fallback path.
func (p *Producer) Enqueue(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if !p.avail.Available() {
		return ErrUnavailable
	}

	payload, err := job.Encode()
	if err != nil {
		return err
	}
	if err := p.store.Push(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
