package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a mutable time source shared with the queue under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(client, opts...), clock
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestEnqueueClaim_PriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "low"), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "jobs", payload(t, "high"), EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "jobs", payload(t, "mid"), EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		job, err := q.Claim(ctx, "jobs", "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		var s string
		require.NoError(t, json.Unmarshal(job.Payload, &s))
		got = append(got, s)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, got)

	job, err := q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue claims nothing")
}

func TestClaim_EqualPriorityIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(ctx, "jobs", payload(t, name), EnqueueOptions{Priority: 3})
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		job, err := q.Claim(ctx, "jobs", "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		var s string
		require.NoError(t, json.Unmarshal(job.Payload, &s))
		got = append(got, s)
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestClaim_DelayedJobNotEligibleUntilDue(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", payload(t, "later"), EnqueueOptions{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be claimable early")

	// The job is not lost while ineligible.
	stats, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	clock.Advance(31 * time.Second)

	job, err = q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestAck_Idempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "x"), EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Ack(ctx, "jobs", job.ID))
	require.NoError(t, q.Ack(ctx, "jobs", job.ID), "double-ack is a no-op")

	stats, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestFail_ExponentialBackoff(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "x"), EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	// Failing with attempts=a schedules notBefore = now + 2^a seconds.
	for _, wantBackoff := range []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second} {
		job, err := q.Claim(ctx, "jobs", "w1")
		require.NoError(t, err)
		require.NotNil(t, job)

		before := clock.Now()
		require.NoError(t, q.Fail(ctx, job, "boom"))

		wantNotBefore := before.Add(wantBackoff).UnixMilli()
		assert.Equal(t, wantNotBefore, job.NotBefore)

		// Not claimable until the backoff elapses.
		early, err := q.Claim(ctx, "jobs", "w1")
		require.NoError(t, err)
		assert.Nil(t, early)

		clock.Advance(wantBackoff + time.Second)
	}
}

func TestFail_DeadLetterAtMaxAttempts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "x"), EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job, err := q.Claim(ctx, "jobs", "w1")
		require.NoError(t, err)
		require.NotNil(t, job, "claim attempt %d", i)
		require.LessOrEqual(t, job.Attempts, job.MaxAttempts)
		require.NoError(t, q.Fail(ctx, job, "boom"))
		clock.Advance(time.Hour)
	}

	// Dead-lettered job is never re-claimed.
	job, err := q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InFlight)

	dead, err := q.DeadLetters(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].Reason)
	assert.Equal(t, 2, dead[0].Job.Attempts)
}

func TestReapStuckJobs(t *testing.T) {
	q, clock := newTestQueue(t, WithVisibilityTimeout(5*time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "x"), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "jobs", "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Within the visibility timeout nothing is reaped.
	reaped, err := q.ReapStuckJobs(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, reaped)

	clock.Advance(6 * time.Minute)

	reaped, err = q.ReapStuckJobs(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	// The abandoned job went through the failure path: attempts incremented,
	// eligible again after backoff.
	clock.Advance(time.Hour)
	job, err = q.Claim(ctx, "jobs", "w2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "jobs", payload(t, i), EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "jobs", payload(t, "delayed"), EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending, "2 pending + 1 delayed")
	assert.Equal(t, int64(1), stats.InFlight)
	assert.Zero(t, stats.DeadLettered)
}

func TestReaper_Sweep(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", payload(t, "x"), EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "jobs", "w1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	r := NewReaper(q, []string{"jobs"}, time.Minute)
	r.Sweep(ctx)

	stats, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, int64(1), stats.Pending)
}
