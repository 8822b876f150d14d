package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/models"
	"github.com/classdesk/classchat/internal/queue"
)

// fakeStore is an in-memory DataStore.
type fakeStore struct {
	mu          sync.Mutex
	rooms       map[string]*models.Room
	messages    map[string]models.Message // by ID
	deadLetters []string
	insertErrs  int // fail this many InsertMessage calls before succeeding
	listErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:    make(map[string]*models.Room),
		messages: make(map[string]models.Message),
	}
}

func (s *fakeStore) Close()                         {}
func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) FindOrCreateRoom(ctx context.Context, name string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[name]; ok {
		return room, nil
	}
	room := &models.Room{ID: uuid.New(), Name: name}
	s.rooms[name] = room
	return room, nil
}

func (s *fakeStore) GetRoomByName(ctx context.Context, name string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[name], nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrs > 0 {
		s.insertErrs--
		return errors.New("write failed")
	}
	// Idempotent on ID, like the real stores.
	if _, ok := s.messages[msg.ID]; !ok {
		s.messages[msg.ID] = *msg
	}
	return nil
}

func (s *fakeStore) ListRoomMessages(ctx context.Context, roomKey string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Message
	for _, msg := range s.messages {
		if msg.RoomKey == roomKey {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertDeadLetter(ctx context.Context, payload []byte, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, reason)
	return nil
}

func (s *fakeStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return nil, nil
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeLimiter allows a fixed number of sends per sender.
type fakeLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	ceiling int
}

func newFakeLimiter(ceiling int) *fakeLimiter {
	return &fakeLimiter{counts: make(map[string]int), ceiling: ceiling}
}

func (l *fakeLimiter) Allow(ctx context.Context, senderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[senderID]++
	return l.counts[senderID] <= l.ceiling
}

// fakeQueue records enqueued jobs or refuses them.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// fakeHistory records cache traffic.
type fakeHistory struct {
	mu          sync.Mutex
	entries     map[string][]models.Message
	invalidated []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: make(map[string][]models.Message)}
}

func (h *fakeHistory) Get(ctx context.Context, roomKey string) ([]models.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs, ok := h.entries[roomKey]
	return msgs, ok
}

func (h *fakeHistory) Put(ctx context.Context, roomKey string, messages []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[roomKey] = messages
}

func (h *fakeHistory) Invalidate(ctx context.Context, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, roomKey)
	h.invalidated = append(h.invalidated, roomKey)
}

// fakePresence records heartbeats.
type fakePresence struct {
	mu    sync.Mutex
	beats []string
}

func (p *fakePresence) MarkOnline(ctx context.Context, userID, roomKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats = append(p.beats, userID+"@"+roomKey)
}

// fakeFanout records published messages.
type fakeFanout struct {
	mu        sync.Mutex
	published []models.Message
}

func (f *fakeFanout) Publish(ctx context.Context, roomKey string, msg *models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, *msg)
}

// fakeStatus records status transitions.
type fakeStatus struct {
	mu      sync.Mutex
	records []string
}

func (s *fakeStatus) Record(ctx context.Context, messageID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, messageID+":"+status)
}

type deps struct {
	store    *fakeStore
	queue    *fakeQueue
	limiter  *fakeLimiter
	history  *fakeHistory
	presence *fakePresence
	fanout   *fakeFanout
	status   *fakeStatus
}

func newService(t *testing.T) (*Service, *deps) {
	t.Helper()
	d := &deps{
		store:    newFakeStore(),
		queue:    &fakeQueue{},
		limiter:  newFakeLimiter(10),
		history:  newFakeHistory(),
		presence: &fakePresence{},
		fanout:   &fakeFanout{},
		status:   &fakeStatus{},
	}
	svc := New(d.store, d.queue, d.limiter, d.history, d.presence, d.fanout, d.status, zerolog.Nop())
	return svc, d
}

var sender = models.Sender{ID: "u1", Name: "Ada"}

func TestSubmitQueuesMessage(t *testing.T) {
	svc, d := newService(t)

	res, err := svc.SubmitMessage(context.Background(), "math-101", sender, "hello", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != StateQueued || res.MessageID == "" {
		t.Fatalf("result = %+v, want queued with id", res)
	}
	if len(d.queue.jobs) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(d.queue.jobs))
	}
	// Nothing persisted yet; that's the worker's job.
	if d.store.messageCount() != 0 {
		t.Fatalf("message persisted on submit path")
	}
	if len(d.presence.beats) != 1 || d.presence.beats[0] != "u1@math-101" {
		t.Fatalf("presence beats = %v", d.presence.beats)
	}
}

func TestSubmitEleventhIsRateLimited(t *testing.T) {
	svc, d := newService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := svc.SubmitMessage(ctx, "math-101", sender, "hi", nil)
		if err != nil || res.State != StateQueued {
			t.Fatalf("send %d: %+v, %v", i+1, res, err)
		}
	}

	res, err := svc.SubmitMessage(ctx, "math-101", sender, "one too many", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != StateRateLimited {
		t.Fatalf("11th send state = %s, want rate_limited", res.State)
	}
	if len(d.queue.jobs) != 10 {
		t.Fatalf("queued jobs = %d, want 10", len(d.queue.jobs))
	}
}

func TestSubmitRejectsMalformed(t *testing.T) {
	svc, d := newService(t)

	res, err := svc.SubmitMessage(context.Background(), "math-101", models.Sender{}, "hi", nil)
	if !errors.Is(err, queue.ErrMalformedJob) {
		t.Fatalf("err = %v, want ErrMalformedJob", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	// Malformed jobs never consume from the sender's window.
	if d.limiter.counts["u1"] != 0 {
		t.Fatalf("limiter consulted for malformed job")
	}
}

func TestSubmitFallsBackWhenQueueDown(t *testing.T) {
	svc, d := newService(t)
	d.queue.err = queue.ErrUnavailable

	res, err := svc.SubmitMessage(context.Background(), "math-101", sender, "hello", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != StateAccepted {
		t.Fatalf("state = %s, want accepted via fallback", res.State)
	}
	if d.store.messageCount() != 1 {
		t.Fatalf("messages persisted = %d, want 1 (no loss during outage)", d.store.messageCount())
	}
	if len(d.fanout.published) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(d.fanout.published))
	}
	if len(d.status.records) != 1 || d.status.records[0] != res.MessageID+":sent" {
		t.Fatalf("status records = %v", d.status.records)
	}
}

func TestSubmitFallbackPersistFailure(t *testing.T) {
	svc, d := newService(t)
	d.queue.err = queue.ErrUnavailable
	d.store.insertErrs = 10

	res, err := svc.SubmitMessage(context.Background(), "math-101", sender, "hello", nil)
	if err == nil {
		t.Fatalf("expected error when fallback persist fails")
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
}

func TestProcessJobDeliversMessage(t *testing.T) {
	svc, d := newService(t)
	ctx := context.Background()

	job := queue.NewJob("math-101", sender, "hello", []models.Attachment{
		{URL: "https://files.example/notes.pdf", Mime: "application/pdf", Name: "notes.pdf", Size: 1024},
	})
	if err := svc.ProcessJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if d.store.messageCount() != 1 {
		t.Fatalf("messages = %d, want 1", d.store.messageCount())
	}
	if _, ok := d.store.rooms["math-101"]; !ok {
		t.Fatalf("room not created")
	}
	if len(d.history.invalidated) != 1 || d.history.invalidated[0] != "math-101" {
		t.Fatalf("history invalidations = %v", d.history.invalidated)
	}
	if len(d.fanout.published) != 1 || d.fanout.published[0].ID != job.ID {
		t.Fatalf("broadcasts = %+v", d.fanout.published)
	}
	if len(d.fanout.published[0].Attachments) != 1 {
		t.Fatalf("attachments lost in delivery")
	}
}

func TestProcessJobRetriedPersistIsExactlyOnce(t *testing.T) {
	svc, d := newService(t)
	ctx := context.Background()
	d.store.insertErrs = 2

	job := queue.NewJob("math-101", sender, "hello", nil)

	// Two failing attempts, then success, as the worker pool would drive.
	for i := 0; i < 2; i++ {
		if err := svc.ProcessJob(ctx, job); err == nil {
			t.Fatalf("attempt %d: expected persist failure", i+1)
		}
	}
	if err := svc.ProcessJob(ctx, job); err != nil {
		t.Fatalf("final attempt: %v", err)
	}

	if d.store.messageCount() != 1 {
		t.Fatalf("messages = %d, want exactly 1", d.store.messageCount())
	}
}

func TestFetchHistoryCacheMissPopulates(t *testing.T) {
	svc, d := newService(t)
	ctx := context.Background()

	job := queue.NewJob("math-101", sender, "hello", nil)
	if err := svc.ProcessJob(ctx, job); err != nil {
		t.Fatalf("seed: %v", err)
	}

	messages, err := svc.FetchHistory(ctx, "math-101")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != job.ID {
		t.Fatalf("history = %+v", messages)
	}
	if _, ok := d.history.Get(ctx, "math-101"); !ok {
		t.Fatalf("cache not populated on miss")
	}
}

func TestFetchHistoryCacheHitSkipsStore(t *testing.T) {
	svc, d := newService(t)
	ctx := context.Background()

	cached := []models.Message{{ID: "01A", RoomKey: "math-101", Body: "cached"}}
	d.history.Put(ctx, "math-101", cached)
	d.store.listErr = errors.New("store must not be touched")

	messages, err := svc.FetchHistory(ctx, "math-101")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "01A" {
		t.Fatalf("history = %+v", messages)
	}
}

func TestDeadLetterLandsInStore(t *testing.T) {
	svc, d := newService(t)

	if err := svc.DeadLetter(context.Background(), []byte(`{"id":"01A"}`), "persist failed"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if len(d.store.deadLetters) != 1 || d.store.deadLetters[0] != "persist failed" {
		t.Fatalf("dead letters = %v", d.store.deadLetters)
	}
}
