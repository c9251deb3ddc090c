package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"studycoach-backend/internal/models"
)

type stubHistoryRepo struct {
	rows  map[uuid.UUID][]models.ChatMessage
	err   error
	calls int
}

func (r *stubHistoryRepo) ListByIdentity(ctx context.Context, identity uuid.UUID) ([]models.ChatMessage, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.rows[identity], nil
}

type queuedJob struct {
	queue   string
	payload []byte
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (q *stubQueue) Enqueue(ctx context.Context, queue string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, queuedJob{queue: queue, payload: payload})
	return nil
}

func (q *stubQueue) byQueue(name string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.jobs {
		if j.queue == name {
			out = append(out, j)
		}
	}
	return out
}

func TestChatStore_AppendAndListInOrder(t *testing.T) {
	store := NewChatStore(&stubHistoryRepo{}, &stubQueue{}, 1)
	identity := uuid.New()
	ctx := context.Background()

	first := turn(models.RoleUser, "what is osmosis")
	second := turn(models.RoleAssistant, "Osmosis is the movement of water across a membrane.")
	store.Append(ctx, identity, first)
	store.Append(ctx, identity, second)

	messages := store.List(ctx, identity)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].ID != first.ID || messages[1].ID != second.ID {
		t.Error("Messages returned out of insertion order")
	}
}

func TestChatStore_UnknownIdentityIsEmpty(t *testing.T) {
	store := NewChatStore(&stubHistoryRepo{}, &stubQueue{}, 1)

	messages := store.List(context.Background(), uuid.New())
	if len(messages) != 0 {
		t.Errorf("Expected empty history, got %d messages", len(messages))
	}
}

func TestChatStore_HydratesColdIdentityOnce(t *testing.T) {
	identity := uuid.New()
	durable := []models.ChatMessage{
		turn(models.RoleUser, "hello from last week"),
		turn(models.RoleAssistant, "Welcome back!"),
	}
	repo := &stubHistoryRepo{rows: map[uuid.UUID][]models.ChatMessage{identity: durable}}
	store := NewChatStore(repo, &stubQueue{}, 1)
	ctx := context.Background()

	messages := store.List(ctx, identity)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 hydrated messages, got %d", len(messages))
	}
	if messages[0].Content != "hello from last week" {
		t.Errorf("Expected durable rows first, got %q", messages[0].Content)
	}

	store.List(ctx, identity)
	store.Append(ctx, identity, turn(models.RoleUser, "new turn"))
	if repo.calls != 1 {
		t.Errorf("Expected exactly 1 hydration read, got %d", repo.calls)
	}
}

func TestChatStore_HydrationFailureIsNonFatal(t *testing.T) {
	repo := &stubHistoryRepo{err: errors.New("connection refused")}
	store := NewChatStore(repo, &stubQueue{}, 1)
	identity := uuid.New()
	ctx := context.Background()

	msg := turn(models.RoleUser, "still works")
	store.Append(ctx, identity, msg)

	messages := store.List(ctx, identity)
	if len(messages) != 1 || messages[0].ID != msg.ID {
		t.Errorf("Expected in-memory log to survive a failed hydration, got %d messages", len(messages))
	}
}

func TestChatStore_EnqueueFailureNeverBlocksDisplay(t *testing.T) {
	store := NewChatStore(&stubHistoryRepo{}, &stubQueue{err: errors.New("redis down")}, 1)
	identity := uuid.New()
	ctx := context.Background()

	msg := turn(models.RoleUser, "persist me if you can")
	store.Append(ctx, identity, msg)

	messages := store.List(ctx, identity)
	if len(messages) != 1 {
		t.Errorf("Expected message visible despite enqueue failure, got %d", len(messages))
	}
}

func TestChatStore_AppendEnqueuesPersistJob(t *testing.T) {
	queue := &stubQueue{}
	store := NewChatStore(&stubHistoryRepo{}, queue, 1)
	identity := uuid.New()

	msg := turn(models.RoleAssistant, "durable reply")
	store.Append(context.Background(), identity, msg)

	jobs := queue.byQueue(HistoryQueueName(0))
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 persist job, got %d", len(jobs))
	}
	var job HistoryJob
	if err := json.Unmarshal(jobs[0].payload, &job); err != nil {
		t.Fatalf("Failed to decode persist job: %v", err)
	}
	if job.Kind != HistoryJobPersist {
		t.Errorf("Expected %q job, got %q", HistoryJobPersist, job.Kind)
	}
	if job.Identity != identity || job.Message == nil || job.Message.ID != msg.ID {
		t.Errorf("Persist job does not match appended message: %+v", job)
	}
}

// All durable jobs for one identity must land on one queue in enqueue order;
// a clear racing ahead of an earlier append would re-insert deleted turns
// after the delete runs.
func TestChatStore_DurableJobsOrderedPerIdentity(t *testing.T) {
	queue := &stubQueue{}
	store := NewChatStore(&stubHistoryRepo{}, queue, 3)
	identity := uuid.New()
	ctx := context.Background()

	store.Append(ctx, identity, turn(models.RoleUser, "first"))
	store.Append(ctx, identity, turn(models.RoleAssistant, "second"))
	store.Clear(ctx, identity)
	store.Append(ctx, identity, turn(models.RoleUser, "after clear"))

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.jobs) != 4 {
		t.Fatalf("Expected 4 jobs, got %d", len(queue.jobs))
	}

	wantKinds := []string{HistoryJobPersist, HistoryJobPersist, HistoryJobClear, HistoryJobPersist}
	shardQueue := queue.jobs[0].queue
	for i, queued := range queue.jobs {
		if queued.queue != shardQueue {
			t.Errorf("Job %d routed to %q, expected every job for the identity on %q", i, queued.queue, shardQueue)
		}
		var job HistoryJob
		if err := json.Unmarshal(queued.payload, &job); err != nil {
			t.Fatalf("Failed to decode job %d: %v", i, err)
		}
		if job.Kind != wantKinds[i] {
			t.Errorf("Expected job %d kind %q, got %q", i, wantKinds[i], job.Kind)
		}
	}
}

func TestChatStore_ClearIsIdempotent(t *testing.T) {
	identity := uuid.New()
	repo := &stubHistoryRepo{rows: map[uuid.UUID][]models.ChatMessage{
		identity: {turn(models.RoleUser, "old durable turn")},
	}}
	queue := &stubQueue{}
	store := NewChatStore(repo, queue, 1)
	ctx := context.Background()

	store.Append(ctx, identity, turn(models.RoleUser, "to be cleared"))
	store.Clear(ctx, identity)
	store.Clear(ctx, identity)

	// Cleared identities must not re-hydrate the rows being deleted.
	if messages := store.List(ctx, identity); len(messages) != 0 {
		t.Errorf("Expected empty history after clear, got %d messages", len(messages))
	}

	var clears []HistoryJob
	for _, queued := range queue.byQueue(HistoryQueueName(0)) {
		var job HistoryJob
		if err := json.Unmarshal(queued.payload, &job); err != nil {
			t.Fatalf("Failed to decode job: %v", err)
		}
		if job.Kind == HistoryJobClear {
			clears = append(clears, job)
		}
	}
	if len(clears) != 2 {
		t.Fatalf("Expected 2 clear jobs, got %d", len(clears))
	}
	if clears[0].Identity != identity {
		t.Errorf("Expected clear job for %s, got %s", identity, clears[0].Identity)
	}
}
