package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"studycoach-backend/internal/repository"
	"studycoach-backend/internal/services"
)

// Pool drains the sharded durable-write queues for the chat history store.
// Worker i owns queue shard i, so one identity's appends and clears are
// applied in enqueue order; the pool size must match the shard count the
// store was built with. A failed write is logged and dropped; the in-memory
// log already served the user, so persistence problems must never surface.
type Pool struct {
	redis       *redis.Client
	historyRepo *repository.ChatHistoryRepo
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, historyRepo *repository.ChatHistoryRepo, workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		redis:       redisClient,
		historyRepo: historyRepo,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d persistence worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	queue := services.HistoryQueueName(id)

	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with a short timeout so Stop is honored promptly
		result, err := p.redis.BLPop(ctx, 10*time.Second, queue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		p.handleJob(ctx, id, []byte(result[1]))
	}
}

func (p *Pool) handleJob(ctx context.Context, id int, payload []byte) {
	var job services.HistoryJob
	if err := json.Unmarshal(payload, &job); err != nil {
		log.Printf("Worker %d: failed to parse history job: %v", id, err)
		return
	}

	switch job.Kind {
	case services.HistoryJobPersist:
		if job.Message == nil {
			log.Printf("Worker %d: persist job for %s has no message", id, job.Identity)
			return
		}
		if err := p.historyRepo.Insert(ctx, job.Identity, *job.Message); err != nil {
			log.Printf("Worker %d: failed to persist turn %s for %s: %v", id, job.Message.ID, job.Identity, err)
		}
	case services.HistoryJobClear:
		if err := p.historyRepo.DeleteByIdentity(ctx, job.Identity); err != nil {
			log.Printf("Worker %d: failed to clear history for %s: %v", id, job.Identity, err)
		}
	default:
		log.Printf("Worker %d: unknown history job kind %q", id, job.Kind)
	}
}
