package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	// Redis keys
	EventQueueKey      = "iap_event_queue"
	EventProcessingKey = "iap_event_processing"

	// Worker settings
	DefaultWorkers  = 3
	baseRetryDelay  = 2 * time.Second
	maxRetryDelay   = 5 * time.Minute
	sweeperInterval = time.Minute
	stuckMaxAge     = 10 * time.Minute
)

// EventProcessor is the consumer side of the queue
type EventProcessor interface {
	Process(ctx context.Context, event *models.IAPEvent) services.Outcome
}

// Queue drains persisted pending events through a pool of workers. The
// queue itself carries only event ids; the iap_events table is the durable
// record, so a lost Redis entry is recoverable and a duplicate one is
// harmless.
type Queue struct {
	client    *redis.Client
	store     *database.Store
	processor EventProcessor
	workers   int
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewQueue creates an event queue
func NewQueue(client *redis.Client, store *database.Store, processor EventProcessor, workers int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		client:    client,
		store:     store,
		processor: processor,
		workers:   workers,
		stopCh:    make(chan struct{}),
	}
}

// Enqueue pushes an event id onto the queue. The event row must already be
// persisted as pending.
func (q *Queue) Enqueue(ctx context.Context, eventID string) error {
	if err := q.client.LPush(ctx, EventQueueKey, eventID).Err(); err != nil {
		return err
	}
	logging.Infof("[EventQueue] Enqueued event %s", eventID)
	return nil
}

// Start starts the worker pool and the stuck-event sweeper
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true

	logging.Infof("[EventQueue] Starting %d workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper()
}

// Stop stops the workers and waits for in-flight events to finish
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	logging.Infof("[EventQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	logging.Infof("[EventQueue] All workers stopped")
}

// worker pops event ids and runs them through the processor
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	logging.Infof("[EventQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			logging.Infof("[EventQueue] Worker %d stopping", id)
			return
		default:
			eventID, err := q.client.BRPopLPush(ctx, EventQueueKey, EventProcessingKey, time.Second).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					logging.Errorf("[EventQueue] Worker %d dequeue error: %v", id, err)
					time.Sleep(time.Second)
				}
				continue
			}
			q.handle(ctx, eventID)
			q.client.LRem(ctx, EventProcessingKey, 1, eventID)
		}
	}
}

// handle loads the persisted event and processes it, re-enqueueing
// retryable failures with exponential backoff.
func (q *Queue) handle(ctx context.Context, eventID string) {
	event, err := q.store.GetEvent(eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Warnf("[EventQueue] Event %s not found, dropping", eventID)
			return
		}
		logging.Errorf("[EventQueue] Failed to load event %s: %v", eventID, err)
		q.requeueLater(eventID, baseRetryDelay)
		return
	}

	if event.Status != models.EventPending {
		// Settled through the synchronous verify path or a duplicate.
		return
	}

	outcome := q.processor.Process(ctx, event)
	if outcome.Result == services.ResultFailed && outcome.Retryable {
		q.requeueLater(eventID, backoffDelay(event.Attempts))
	}
}

// requeueLater schedules a delayed re-enqueue
func (q *Queue) requeueLater(eventID string, delay time.Duration) {
	logging.Infof("[EventQueue] Re-enqueueing event %s in %s", eventID, delay)
	time.AfterFunc(delay, func() {
		if err := q.client.LPush(context.Background(), EventQueueKey, eventID).Err(); err != nil {
			logging.Errorf("[EventQueue] Failed to re-enqueue event %s: %v", eventID, err)
		}
	})
}

// backoffDelay doubles per attempt, capped
func backoffDelay(attempts int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// stuckSweeper requeues events stuck in the processing list after a crash
func (q *Queue) stuckSweeper() {
	defer q.wg.Done()
	logging.Infof("[EventQueue] Stuck sweeper running (maxAge=%s, interval=%s)", stuckMaxAge, sweeperInterval)

	ticker := time.NewTicker(sweeperInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			logging.Infof("[EventQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, EventProcessingKey, 0, -1).Result()
			if err != nil {
				logging.Errorf("[EventQueue] Sweeper LRange error: %v", err)
				continue
			}
			for _, id := range ids {
				event, err := q.store.GetEvent(id)
				if err != nil {
					q.client.LRem(ctx, EventProcessingKey, 1, id)
					continue
				}
				if event.Status != models.EventPending {
					q.client.LRem(ctx, EventProcessingKey, 1, id)
					continue
				}
				if time.Since(event.UpdatedAt) > stuckMaxAge {
					logging.Warnf("[EventQueue] Recovering stuck event %s, age=%s", id, time.Since(event.UpdatedAt))
					q.client.LRem(ctx, EventProcessingKey, 1, id)
					q.client.RPush(ctx, EventQueueKey, id)
				}
			}
		}
	}
}
