package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/models"
)

// memStore is an in-memory Store for tests, mirroring the pending /
// processing / retry shape of the Redis implementation.
type memStore struct {
	mu         sync.Mutex
	pending    [][]byte
	processing [][]byte
	retries    []scheduled
	pushErr    error
}

type scheduled struct {
	payload []byte
	readyAt time.Time
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) Push(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pending = append(s.pending, payload)
	return nil
}

func (s *memStore) Reserve(ctx context.Context, block time.Duration) ([]byte, error) {
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			payload := s.pending[0]
			s.pending = s.pending[1:]
			s.processing = append(s.processing, payload)
			s.mu.Unlock()
			return payload, nil
		}
		s.mu.Unlock()
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *memStore) Ack(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.processing {
		if bytes.Equal(p, payload) {
			s.processing = append(s.processing[:i], s.processing[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) Retry(ctx context.Context, payload, updated []byte, readyAt time.Time) error {
	if err := s.Ack(ctx, payload); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, scheduled{payload: updated, readyAt: readyAt})
	return nil
}

func (s *memStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []scheduled
	promoted := 0
	for _, r := range s.retries {
		if !r.readyAt.After(now) {
			s.pending = append(s.pending, r.payload)
			promoted++
		} else {
			kept = append(kept, r)
		}
	}
	s.retries = kept
	return promoted, nil
}

func (s *memStore) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.processing)
	s.pending = append(s.pending, s.processing...)
	s.processing = nil
	return n, nil
}

func (s *memStore) Depth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

// promoteAll force-promotes every scheduled retry regardless of readiness.
func (s *memStore) promoteAll(t *testing.T) {
	t.Helper()
	if _, err := s.PromoteDue(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("promote: %v", err)
	}
}

func (s *memStore) counts() (pending, processing, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.processing), len(s.retries)
}

type availFlag bool

func (a availFlag) Available() bool { return bool(a) }

// toggleAvail is an Availability that can flip at runtime.
type toggleAvail struct {
	up atomic.Bool
}

func (a *toggleAvail) Available() bool { return a.up.Load() }

// deadLetterLog records dead-lettered payloads.
type deadLetterLog struct {
	mu      sync.Mutex
	entries []string
}

func (d *deadLetterLog) fn() DeadLetterFunc {
	return func(ctx context.Context, payload []byte, reason string) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.entries = append(d.entries, reason)
		return nil
	}
}

func (d *deadLetterLog) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func testJob(t *testing.T) *Job {
	t.Helper()
	job := NewJob("math-101", models.Sender{ID: "u1", Name: "Ada"}, "hello", nil)
	if err := job.Validate(); err != nil {
		t.Fatalf("test job invalid: %v", err)
	}
	return job
}

func mustEncode(t *testing.T, job *Job) []byte {
	t.Helper()
	payload, err := job.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func newTestPool(store Store, handler Handler, dl DeadLetterFunc) *WorkerPool {
	return NewWorkerPool("send", store, availFlag(true), handler, dl, 2, zerolog.Nop())
}

func TestPoolProcessesAndAcks(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}

	var mu sync.Mutex
	var handled []string
	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, job.ID)
		return nil
	}, dl.fn())

	job := testJob(t)
	if err := store.Push(context.Background(), mustEncode(t, job)); err != nil {
		t.Fatalf("push: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(handled)
		mu.Unlock()
		pending, processing, _ := store.counts()
		if n == 1 && pending == 0 && processing == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not settled: handled=%d pending=%d processing=%d", n, pending, processing)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if dl.len() != 0 {
		t.Fatalf("unexpected dead letters: %d", dl.len())
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	attempts := 0
	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		attempts++
		if attempts < 3 {
			return errors.New("persist failed")
		}
		return nil
	}, dl.fn())

	store.Push(ctx, mustEncode(t, testJob(t)))

	// Drive three attempts by hand: reserve, process, promote the retry.
	for i := 0; i < 3; i++ {
		payload, err := store.Reserve(ctx, 50*time.Millisecond)
		if err != nil || payload == nil {
			t.Fatalf("attempt %d: reserve returned %v, %v", i+1, payload, err)
		}
		pool.process(ctx, payload)
		store.promoteAll(t)
	}

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	pending, processing, retries := store.counts()
	if pending != 0 || processing != 0 || retries != 0 {
		t.Fatalf("job not settled: pending=%d processing=%d retries=%d", pending, processing, retries)
	}
	if dl.len() != 0 {
		t.Fatalf("job dead-lettered despite eventual success")
	}
}

func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	attempts := 0
	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		attempts++
		return errors.New("persist failed")
	}, dl.fn())

	store.Push(ctx, mustEncode(t, testJob(t)))

	for i := 0; i < MaxAttempts; i++ {
		payload, err := store.Reserve(ctx, 50*time.Millisecond)
		if err != nil || payload == nil {
			t.Fatalf("attempt %d: reserve returned %v, %v", i+1, payload, err)
		}
		pool.process(ctx, payload)
		store.promoteAll(t)
	}

	if attempts != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, MaxAttempts)
	}
	if dl.len() != 1 {
		t.Fatalf("dead letters = %d, want 1", dl.len())
	}
	pending, processing, retries := store.counts()
	if pending != 0 || processing != 0 || retries != 0 {
		t.Fatalf("dead-lettered job still queued: pending=%d processing=%d retries=%d", pending, processing, retries)
	}
}

func TestProcessPreservesAttemptCount(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	var seen []int
	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		seen = append(seen, job.Attempts)
		return errors.New("persist failed")
	}, dl.fn())

	store.Push(ctx, mustEncode(t, testJob(t)))

	for i := 0; i < MaxAttempts; i++ {
		payload, _ := store.Reserve(ctx, 50*time.Millisecond)
		pool.process(ctx, payload)
		store.promoteAll(t)
	}

	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("attempt counts = %v, want [1 2 3]", seen)
	}
}

func TestProcessDeadLettersUndecodablePayload(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		t.Fatalf("handler invoked for undecodable payload")
		return nil
	}, dl.fn())

	store.Push(ctx, []byte("{not json"))
	payload, _ := store.Reserve(ctx, 50*time.Millisecond)
	pool.process(ctx, payload)

	if dl.len() != 1 {
		t.Fatalf("dead letters = %d, want 1", dl.len())
	}
}

func TestStartRecoversStrandedJobs(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	// Simulate a previous run dying mid-attempt: the job sits on the
	// processing list, unacknowledged.
	store.Push(ctx, mustEncode(t, testJob(t)))
	if payload, _ := store.Reserve(ctx, 50*time.Millisecond); payload == nil {
		t.Fatalf("setup reserve failed")
	}

	var mu sync.Mutex
	handled := 0
	pool := newTestPool(store, func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		return nil
	}, dl.fn())

	pool.Start()
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := handled
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stranded job never reprocessed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoveryRetriesWhenBrokerReturns(t *testing.T) {
	store := newMemStore()
	dl := &deadLetterLog{}
	ctx := context.Background()

	// A previous run died mid-attempt with the broker now unreachable:
	// the job sits on the processing list and start cannot requeue it.
	store.Push(ctx, mustEncode(t, testJob(t)))
	if payload, _ := store.Reserve(ctx, 50*time.Millisecond); payload == nil {
		t.Fatalf("setup reserve failed")
	}

	avail := &toggleAvail{}
	var mu sync.Mutex
	handled := 0
	pool := NewWorkerPool("send", store, avail, func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		return nil
	}, dl.fn(), 1, zerolog.Nop())

	pool.Start()
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)
	if _, processing, _ := store.counts(); processing != 1 {
		t.Fatalf("job requeued while broker down")
	}

	avail.up.Store(true)

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := handled
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stranded job never reprocessed after broker returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetryDelayGrowth(t *testing.T) {
	if d := RetryDelay(1); d != 2*time.Second {
		t.Errorf("RetryDelay(1) = %v, want 2s", d)
	}
	if d := RetryDelay(2); d != 4*time.Second {
		t.Errorf("RetryDelay(2) = %v, want 4s", d)
	}
}
