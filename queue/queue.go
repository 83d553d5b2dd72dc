package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/metric"
)

const (
	// DefaultVisibilityTimeout bounds how long a claimed job may stay in
	// flight before the reaper treats its worker as crashed.
	DefaultVisibilityTimeout = 5 * time.Minute
	// DefaultMaxAttempts is used when EnqueueOptions.MaxAttempts is zero.
	DefaultMaxAttempts = 3
	// promoteBatch caps delayed-job promotion per claim call.
	promoteBatch = 100
)

// claimScript atomically promotes due delayed jobs into the pending set,
// pops the best pending job, and marks it in flight.
//
// KEYS: pending, delayed, inflight, claims, jobs
// ARGV: now millis, claim deadline millis, worker id, promote batch
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  local raw = redis.call('HGET', KEYS[5], id)
  if raw then
    local job = cjson.decode(raw)
    redis.call('ZADD', KEYS[1], 0 - (job.priority or 0), id)
  end
  redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local raw = redis.call('HGET', KEYS[5], id)
if not raw then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[4], id, ARGV[3])
return raw
`)

type keys struct {
	jobs     string
	pending  string
	delayed  string
	inflight string
	claims   string
	dead     string
	seq      string
}

func keysFor(name string) keys {
	prefix := "q:" + name
	return keys{
		jobs:     prefix + ":jobs",
		pending:  prefix + ":pending",
		delayed:  prefix + ":delayed",
		inflight: prefix + ":inflight",
		claims:   prefix + ":claims",
		dead:     prefix + ":dead",
		seq:      prefix + ":seq",
	}
}

// Queue is a reliable job queue backed by Redis. A single Queue value serves
// any number of named queues.
type Queue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	defaultAttempts   int
	logger            *slog.Logger
	core              *metric.Core
	now               func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout overrides the claim visibility timeout.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibilityTimeout = d }
}

// WithDefaultMaxAttempts overrides the default retry budget.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.defaultAttempts = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics wires queue counters and gauges.
func WithMetrics(core *metric.Core) Option {
	return func(q *Queue) { q.core = core }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue on the given Redis client.
func New(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:            client,
		visibilityTimeout: DefaultVisibilityTimeout,
		defaultAttempts:   DefaultMaxAttempts,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job to the named queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	k := keysFor(name)

	seq, err := q.client.Incr(ctx, k.seq).Result()
	if err != nil {
		return "", errors.WrapTransient(err, "queue", "Enqueue", "sequence allocation")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultAttempts
	}

	now := q.now()
	job := &Job{
		ID:          newJobID(seq),
		Queue:       name,
		Payload:     payload,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		CreatedAt:   now.UnixMilli(),
	}
	if opts.Delay > 0 {
		job.NotBefore = now.Add(opts.Delay).UnixMilli()
	}

	raw, err := job.marshal()
	if err != nil {
		return "", errors.WrapInvalid(err, "queue", "Enqueue", "payload encoding")
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, k.jobs, job.ID, raw)
	if job.NotBefore > 0 {
		pipe.ZAdd(ctx, k.delayed, &redis.Z{Score: float64(job.NotBefore), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, k.pending, &redis.Z{Score: -job.Priority, Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.WrapTransient(err, "queue", "Enqueue", "redis pipeline")
	}

	if q.core != nil {
		q.core.JobsEnqueued.WithLabelValues(name).Inc()
	}
	return job.ID, nil
}

// Claim pops the highest-priority eligible job and marks it in flight for
// the visibility timeout. Returns nil when no job is eligible.
func (q *Queue) Claim(ctx context.Context, name, workerID string) (*Job, error) {
	k := keysFor(name)
	now := q.now()
	deadline := now.Add(q.visibilityTimeout)

	res, err := claimScript.Run(ctx, q.client,
		[]string{k.pending, k.delayed, k.inflight, k.claims, k.jobs},
		now.UnixMilli(), deadline.UnixMilli(), workerID, promoteBatch,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "Claim", "claim script")
	}

	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return unmarshalJob(raw)
}

// Ack removes the in-flight marker and the job record. Idempotent: a
// double-ack is a no-op.
func (q *Queue) Ack(ctx context.Context, name, jobID string) error {
	k := keysFor(name)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, k.inflight, jobID)
	pipe.HDel(ctx, k.claims, jobID)
	pipe.HDel(ctx, k.jobs, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "queue", "Ack", "redis pipeline")
	}

	if q.core != nil {
		q.core.JobsProcessed.WithLabelValues(name, "acked").Inc()
	}
	return nil
}

// Fail records a failed attempt. Below the retry budget the job is
// re-enqueued with an exponential delay of 2^attempts seconds (attempts as
// of this failure); at the budget it is appended to the dead-letter list
// and never retried.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	k := keysFor(job.Queue)
	now := q.now()

	backoff := time.Duration(math.Pow(2, float64(job.Attempts))) * time.Second
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		record := DeadLetter{Job: *job, Reason: reason, FailedAt: now.UnixMilli()}
		data, err := json.Marshal(record)
		if err != nil {
			return errors.WrapInvalid(err, "queue", "Fail", "dead-letter encoding")
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, k.inflight, job.ID)
		pipe.HDel(ctx, k.claims, job.ID)
		pipe.HDel(ctx, k.jobs, job.ID)
		pipe.RPush(ctx, k.dead, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.WrapTransient(err, "queue", "Fail", "dead-letter pipeline")
		}

		q.logger.Warn("job dead-lettered",
			"queue", job.Queue, "job", job.ID, "attempts", job.Attempts, "reason", reason)
		if q.core != nil {
			q.core.JobsDead.WithLabelValues(job.Queue).Inc()
			q.core.JobsProcessed.WithLabelValues(job.Queue, "dead").Inc()
		}
		return nil
	}

	job.NotBefore = now.Add(backoff).UnixMilli()
	raw, err := job.marshal()
	if err != nil {
		return errors.WrapInvalid(err, "queue", "Fail", "job encoding")
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, k.inflight, job.ID)
	pipe.HDel(ctx, k.claims, job.ID)
	pipe.HSet(ctx, k.jobs, job.ID, raw)
	pipe.ZAdd(ctx, k.delayed, &redis.Z{Score: float64(job.NotBefore), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "queue", "Fail", "retry pipeline")
	}

	q.logger.Debug("job scheduled for retry",
		"queue", job.Queue, "job", job.ID, "attempts", job.Attempts, "backoff", backoff)
	if q.core != nil {
		q.core.JobsProcessed.WithLabelValues(job.Queue, "retried").Inc()
	}
	return nil
}

// ReapStuckJobs routes in-flight jobs whose visibility timeout expired
// through the same failure path as Fail. Returns the number of reaped jobs.
func (q *Queue) ReapStuckJobs(ctx context.Context, name string) (int, error) {
	k := keysFor(name)
	now := q.now().UnixMilli()

	expired, err := q.client.ZRangeByScore(ctx, k.inflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatMillis(now),
	}).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "queue", "ReapStuckJobs", "inflight scan")
	}

	reaped := 0
	for _, id := range expired {
		// ZREM doubles as the ownership check: only one reaper run (or a
		// late worker ack) can remove the marker.
		removed, err := q.client.ZRem(ctx, k.inflight, id).Result()
		if err != nil || removed == 0 {
			continue
		}

		raw, err := q.client.HGet(ctx, k.jobs, id).Result()
		if err == redis.Nil {
			q.client.HDel(ctx, k.claims, id)
			continue
		}
		if err != nil {
			continue
		}
		job, err := unmarshalJob(raw)
		if err != nil {
			q.logger.Warn("reaper dropping undecodable job", "queue", name, "job", id, "error", err)
			q.client.HDel(ctx, k.jobs, id)
			q.client.HDel(ctx, k.claims, id)
			continue
		}
		if err := q.Fail(ctx, job, "visibility timeout expired"); err != nil {
			q.logger.Error("reaper failed to fail job", "queue", name, "job", id, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Stats returns queue depth by state. Delayed jobs count as pending.
func (q *Queue) Stats(ctx context.Context, name string) (Stats, error) {
	k := keysFor(name)

	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, k.pending)
	delayed := pipe.ZCard(ctx, k.delayed)
	inflight := pipe.ZCard(ctx, k.inflight)
	dead := pipe.LLen(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.WrapTransient(err, "queue", "Stats", "redis pipeline")
	}

	s := Stats{
		Pending:      pending.Val() + delayed.Val(),
		InFlight:     inflight.Val(),
		DeadLettered: dead.Val(),
	}
	if q.core != nil {
		q.core.QueueDepth.WithLabelValues(name, "pending").Set(float64(s.Pending))
		q.core.QueueDepth.WithLabelValues(name, "inflight").Set(float64(s.InFlight))
		q.core.QueueDepth.WithLabelValues(name, "dead").Set(float64(s.DeadLettered))
	}
	return s, nil
}

// DeadLetters returns up to limit dead-letter records, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int64) ([]DeadLetter, error) {
	k := keysFor(name)
	if limit <= 0 {
		limit = 100
	}

	raw, err := q.client.LRange(ctx, k.dead, 0, limit-1).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "DeadLetters", "lrange")
	}

	records := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			q.logger.Warn("skipping undecodable dead-letter record", "queue", name, "error", err)
			continue
		}
		records = append(records, d)
	}
	return records, nil
}

// formatMillis renders a millisecond timestamp as a ZRANGEBYSCORE bound.
func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
