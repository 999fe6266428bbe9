package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Polaris/internal/pkg/cache"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
)

// Redis keys. The cache server is shared with the main application.
const (
	ArchiveJobKeyPrefix = "billing:archive:job:"
	ArchivePendingKey   = "billing:archive:pending"
	ArchiveInFlightKey  = "billing:archive:inflight"
	ArchiveCountersKey  = "billing:archive:counters"
	ArchiveRetryKey     = "billing:archive:retry"
)

const (
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour

	defaultWorkers = 3
	popTimeout     = time.Second
	retryStep      = 30 * time.Second
	stuckAfter     = 10 * time.Minute
	sweepEvery     = time.Minute
	retryPollEvery = 5 * time.Second
	promoteBatch   = 100
	archiveTimeout = 30 * time.Second
)

// PayloadStore is the durable destination of archived webhook bodies.
type PayloadStore interface {
	Archive(ctx context.Context, provider string, body []byte, receivedAt time.Time) error
}

// Queue moves archive jobs through a pending list, an in-flight list and a
// retry set scored by due time, all in Redis. A live job id sits in exactly
// one of the three, so a restart loses no job.
type Queue struct {
	client  redis.Cmdable
	store   PayloadStore
	workers int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Stats is a snapshot of the queue lists and lifetime counters.
type Stats struct {
	Pending  int64
	InFlight int64
	Retrying int64
	Totals   map[JobStatus]int64
}

// NewQueue creates a queue on the shared cache client.
func NewQueue(workers int, store PayloadStore) *Queue {
	return newQueue(cache.GetClient(), workers, store)
}

func newQueue(client redis.Cmdable, workers int, store PayloadStore) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		client:  client,
		store:   store,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.stopCh = make(chan struct{})
	q.running = true

	fiberlog.Infow("[ArchiveQueue] starting", "workers", q.workers)
	q.wg.Add(q.workers + 2)
	for i := 0; i < q.workers; i++ {
		go q.runWorker(i)
	}
	go q.runSweeper()
	go q.runRetryScheduler()
}

// Stop blocks until every worker has finished its current job.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	fiberlog.Info("[ArchiveQueue] stopped")
}

func (q *Queue) runWorker(id int) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		job, err := q.claim(ctx)
		switch {
		case errors.Is(err, redis.Nil):
			// nothing pending within popTimeout
		case err != nil:
			fiberlog.Errorw("[ArchiveQueue] claim failed", "worker", id, "error", err)
			q.pause(time.Second)
		default:
			q.run(ctx, job)
		}
	}
}

// pause waits for d unless the queue is stopping.
func (q *Queue) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.stopCh:
	case <-t.C:
	}
}

func (q *Queue) runSweeper() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			q.sweepStuck(context.Background(), stuckAfter, now)
		}
	}
}

func (q *Queue) runRetryScheduler() {
	defer q.wg.Done()
	ticker := time.NewTicker(retryPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			if _, err := q.promoteDue(context.Background(), now); err != nil {
				fiberlog.Errorw("[ArchiveQueue] retry promotion failed", "error", err)
			}
		}
	}
}

// promoteScript moves due ids from the retry set to the pending list in one
// step, so two instances never push the same id twice.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// promoteDue pushes every retry whose delay has elapsed at now back onto the
// pending list and returns how many were moved.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int64, error) {
	return promoteScript.Run(ctx, q.client,
		[]string{ArchiveRetryKey, ArchivePendingKey},
		now.UnixMilli(), promoteBatch,
	).Int64()
}

// sweepStuck returns in-flight jobs abandoned by a crashed worker, or left
// behind by a failed retry schedule, to the pending list. In-flight ids whose
// job record is gone are dropped.
func (q *Queue) sweepStuck(ctx context.Context, maxAge time.Duration, now time.Time) {
	ids, err := q.client.LRange(ctx, ArchiveInFlightKey, 0, -1).Result()
	if err != nil {
		fiberlog.Errorw("[ArchiveQueue] sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		job, err := q.Job(ctx, id)
		if err != nil {
			q.client.LRem(ctx, ArchiveInFlightKey, 1, id)
			continue
		}
		switch job.Status {
		case JobStatusProcessing:
			if !isStuck(job, maxAge, now) {
				continue
			}
		case JobStatusRetrying:
			// retry scheduling failed after the attempt; run it again now
		default:
			q.client.LRem(ctx, ArchiveInFlightKey, 1, id)
			continue
		}
		fiberlog.Warnw("[ArchiveQueue] recovering stuck job", "job_id", job.ID, "type", job.Type, "status", job.Status)
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		if err := q.moveToPending(ctx, job); err != nil {
			fiberlog.Errorw("[ArchiveQueue] requeue failed", "job_id", job.ID, "error", err)
		}
	}
}

// isStuck reports whether a processing job started longer than maxAge ago.
func isStuck(job *Job, maxAge time.Duration, now time.Time) bool {
	started := job.UpdatedAt
	if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
		started = *job.ProcessedAt
	}
	if started.IsZero() {
		started = job.CreatedAt
	}
	return now.Sub(started) > maxAge
}

// EnqueueJob stores a new job record and pushes its id onto the pending list.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	record, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ArchiveJobKeyPrefix+job.ID, record, JobTTL)
		pipe.LPush(ctx, ArchivePendingKey, job.ID)
		pipe.HIncrBy(ctx, ArchiveCountersKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return job, nil
}

// claim moves the oldest pending id onto the in-flight list and loads it.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, ArchivePendingKey, ArchiveInFlightKey, popTimeout).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.Job(ctx, id)
	if err != nil {
		q.client.LRem(ctx, ArchiveInFlightKey, 1, id)
		return nil, fmt.Errorf("job %s unreadable: %w", id, err)
	}
	return job, nil
}

func (q *Queue) run(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.save(ctx, job)

	err := q.execute(ctx, job)
	if err == nil {
		job.MarkAsCompleted()
		q.finish(ctx, job, true)
		metrics.ObserveArchiveJob(string(JobStatusCompleted))
		return
	}

	job.MarkAsFailed(err.Error())
	if !job.IsRetryable() {
		fiberlog.Errorw("[ArchiveQueue] job gave up",
			"job_id", job.ID,
			"attempts", job.RetryCount,
			"error", err,
		)
		q.finish(ctx, job, false)
		metrics.ObserveArchiveJob(string(JobStatusFailed))
		return
	}

	fiberlog.Warnw("[ArchiveQueue] job failed, retrying",
		"job_id", job.ID,
		"attempt", job.RetryCount,
		"max_retries", job.MaxRetries,
		"error", err,
	)
	job.MarkAsRetrying()
	if err := q.scheduleRetry(ctx, job, time.Now().Add(retryDelay(job.RetryCount))); err != nil {
		fiberlog.Errorw("[ArchiveQueue] schedule retry failed", "job_id", job.ID, "error", err)
	}
	metrics.ObserveArchiveJob(string(JobStatusRetrying))
}

// scheduleRetry parks the job in the retry set until due.
func (q *Queue) scheduleRetry(ctx context.Context, job *Job, due time.Time) error {
	record, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ArchiveJobKeyPrefix+job.ID, record, JobTTL)
		pipe.LRem(ctx, ArchiveInFlightKey, 1, job.ID)
		pipe.ZAdd(ctx, ArchiveRetryKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

// execute runs the job's work without touching queue bookkeeping.
func (q *Queue) execute(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeArchivePayload:
		return q.processArchivePayloadJob(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * retryStep
}

// save rewrites the job record and refreshes its TTL.
func (q *Queue) save(ctx context.Context, job *Job) {
	record, err := json.Marshal(job)
	if err == nil {
		err = q.client.Set(ctx, ArchiveJobKeyPrefix+job.ID, record, JobTTL).Err()
	}
	if err != nil {
		fiberlog.Errorw("[ArchiveQueue] save job failed", "job_id", job.ID, "error", err)
	}
}

// finish takes a job off the in-flight list for good. Completed records are
// deleted; failed ones stay readable until the TTL expires.
func (q *Queue) finish(ctx context.Context, job *Job, completed bool) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ArchiveInFlightKey, 1, job.ID)
		pipe.HIncrBy(ctx, ArchiveCountersKey, string(job.Status), 1)
		if completed {
			pipe.Del(ctx, ArchiveJobKeyPrefix+job.ID)
			return nil
		}
		record, err := json.Marshal(job)
		if err != nil {
			return err
		}
		pipe.Set(ctx, ArchiveJobKeyPrefix+job.ID, record, JobTTL)
		return nil
	})
	if err != nil {
		fiberlog.Errorw("[ArchiveQueue] finish job failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) moveToPending(ctx context.Context, job *Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ArchiveJobKeyPrefix+job.ID, record, JobTTL)
		pipe.LRem(ctx, ArchiveInFlightKey, 1, job.ID)
		pipe.RPush(ctx, ArchivePendingKey, job.ID)
		return nil
	})
	return err
}

// Job loads a job record. A missing record returns redis.Nil.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, ArchiveJobKeyPrefix+id).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Stats reads the list and set sizes and the lifetime counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, inFlight, retrying *redis.IntCmd
		counters                    *redis.MapStringStringCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, ArchivePendingKey)
		inFlight = pipe.LLen(ctx, ArchiveInFlightKey)
		retrying = pipe.ZCard(ctx, ArchiveRetryKey)
		counters = pipe.HGetAll(ctx, ArchiveCountersKey)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Pending:  pending.Val(),
		InFlight: inFlight.Val(),
		Retrying: retrying.Val(),
		Totals:   make(map[JobStatus]int64, len(counters.Val())),
	}
	for status, raw := range counters.Val() {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.Totals[JobStatus(status)] = n
		}
	}
	return stats, nil
}
