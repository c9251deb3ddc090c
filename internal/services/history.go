package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"studycoach-backend/internal/models"
)

// Durable history writes are sharded by identity: every job for one identity
// lands on the same queue, and each queue is drained by exactly one worker.
// That keeps an identity's appends and clears in enqueue order; without it a
// clear could be processed while an earlier append is still queued, and the
// deleted turn would be re-inserted behind it.
const historyQueuePrefix = "queue:history-jobs:"

// History job kinds.
const (
	HistoryJobPersist = "persist"
	HistoryJobClear   = "clear"
)

type HistoryJob struct {
	Kind     string              `json:"kind"`
	Identity uuid.UUID           `json:"identity"`
	Message  *models.ChatMessage `json:"message,omitempty"`
}

// HistoryQueueName returns the queue owned by worker `shard`.
func HistoryQueueName(shard int) string {
	return historyQueuePrefix + strconv.Itoa(shard)
}

// PersistQueue hands durable-write jobs to the worker pool.
type PersistQueue interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return q.client.RPush(ctx, queue, payload).Err()
}

type historyReader interface {
	ListByIdentity(ctx context.Context, identity uuid.UUID) ([]models.ChatMessage, error)
}

// ChatStore is the per-identity ordered message log. The in-memory log is
// authoritative for the process lifetime; durable writes go through the
// persist queue and may fail without ever blocking message display.
type ChatStore struct {
	mu       sync.Mutex
	logs     map[uuid.UUID][]models.ChatMessage
	hydrated map[uuid.UUID]bool
	repo     historyReader
	queue    PersistQueue
	shards   int
}

// NewChatStore builds the store. shards must match the worker pool size so
// every queue has exactly one consumer.
func NewChatStore(repo historyReader, queue PersistQueue, shards int) *ChatStore {
	if shards < 1 {
		shards = 1
	}
	return &ChatStore{
		logs:     make(map[uuid.UUID][]models.ChatMessage),
		hydrated: make(map[uuid.UUID]bool),
		repo:     repo,
		queue:    queue,
		shards:   shards,
	}
}

// Append adds a message to the identity's log, creating the log if needed.
func (s *ChatStore) Append(ctx context.Context, identity uuid.UUID, m models.ChatMessage) {
	s.mu.Lock()
	s.ensureHydrated(ctx, identity)
	s.logs[identity] = append(s.logs[identity], m)
	s.mu.Unlock()

	s.enqueue(ctx, identity, HistoryJob{Kind: HistoryJobPersist, Identity: identity, Message: &m})
}

// List returns all messages for the identity in creation order. A cold
// identity is hydrated from durable storage first so a returning visitor
// sees prior turns.
func (s *ChatStore) List(ctx context.Context, identity uuid.UUID) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureHydrated(ctx, identity)
	out := make([]models.ChatMessage, len(s.logs[identity]))
	copy(out, s.logs[identity])
	return out
}

// Clear empties the identity's log. Idempotent.
func (s *ChatStore) Clear(ctx context.Context, identity uuid.UUID) {
	s.mu.Lock()
	s.logs[identity] = nil
	s.hydrated[identity] = true
	s.mu.Unlock()

	s.enqueue(ctx, identity, HistoryJob{Kind: HistoryJobClear, Identity: identity})
}

func (s *ChatStore) enqueue(ctx context.Context, identity uuid.UUID, job HistoryJob) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("chat store: failed to encode %s job: %v", job.Kind, err)
		return
	}
	if err := s.queue.Enqueue(ctx, HistoryQueueName(s.shard(identity)), payload); err != nil {
		log.Printf("chat store: failed to enqueue %s job for %s: %v", job.Kind, identity, err)
	}
}

func (s *ChatStore) shard(identity uuid.UUID) int {
	h := fnv.New32a()
	h.Write(identity[:])
	return int(h.Sum32() % uint32(s.shards))
}

// ensureHydrated loads the durable log once per identity. A read failure is
// logged and the identity proceeds with an empty in-memory log, which stays
// correct for the rest of the process lifetime. Caller must hold mu.
func (s *ChatStore) ensureHydrated(ctx context.Context, identity uuid.UUID) {
	if s.hydrated[identity] {
		return
	}
	s.hydrated[identity] = true

	messages, err := s.repo.ListByIdentity(ctx, identity)
	if err != nil {
		log.Printf("chat store: failed to hydrate history for %s: %v", identity, err)
		return
	}
	s.logs[identity] = append(messages, s.logs[identity]...)
}
