// Package queue implements a reliable, priority-ordered job queue on Redis
// with acknowledgment, retry with exponential backoff, dead-lettering, a
// managed worker-pool runner, and a stuck-job reaper.
//
// # Storage layout
//
// Per queue name the following Redis keys are used:
//
//	q:{name}:jobs      HASH  jobID -> job JSON
//	q:{name}:pending   ZSET  member jobID, score -priority
//	q:{name}:delayed   ZSET  member jobID, score notBefore (unix millis)
//	q:{name}:inflight  ZSET  member jobID, score claim deadline (unix millis)
//	q:{name}:claims    HASH  jobID -> workerID
//	q:{name}:dead      LIST  dead-letter records (append-only)
//	q:{name}:seq       monotonic counter for job id prefixes
//
// # Ordering
//
// Higher priority dequeues first (pending score is the negated priority and
// ZPOPMIN pops the lowest score). Jobs with equal priority dequeue in FIFO
// order: job ids carry a zero-padded monotonic sequence prefix, and Redis
// orders equal-score ZSET members lexicographically. This tie-break is part
// of the contract and covered by tests.
//
// # Delayed jobs
//
// A job whose notBefore lies in the future never sits in the pending set; it
// waits in the delayed set and is promoted by the claim script once due.
// Claim therefore never observes, and never loses, a not-yet-eligible job.
//
// # Atomicity
//
// Claim runs as a single Lua script (promote due delayed jobs, pop the best
// pending job, mark it in flight), so exactly one worker can claim a given
// job. No other operation requires compare-and-swap coordination.
//
// # At-least-once delivery
//
// A worker crash between claim and ack leaves the job in the in-flight set;
// once its visibility timeout passes, the reaper routes it through the same
// failure path as an explicit Fail, so it is retried or dead-lettered.
// Handlers must tolerate duplicate delivery.
package queue
