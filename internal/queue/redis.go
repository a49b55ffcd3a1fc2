// Package queue implements a durable job queue on Redis lists.
//
// Tasks move pending -> processing atomically on dequeue and leave processing
// on ack or fail. Whatever is still in processing when a worker starts was
// interrupted by a crash and is put back, so delivery is at-least-once.
//
// Only one consumer may dequeue at a time. A consumer first takes a lease
// ({name}:consumer, a key with a TTL it keeps renewing); Recover and Dequeue
// refuse to run for a queue that does not hold it.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/logger"
)

var (
	// ErrConsumerActive is returned by Acquire while another consumer holds the lease.
	ErrConsumerActive = errors.New("queue is held by another consumer")
	// ErrNotConsumer is returned when this queue does not hold the consumer lease,
	// either because it never took it or because it expired.
	ErrNotConsumer = errors.New("consumer lease not held")
)

// Queue is a single named queue with pending, processing and dead lists.
type Queue struct {
	client       *redis.Client
	name         string
	maxAttempts  int
	blockTimeout time.Duration
	consumerID   string
	leaseTTL     time.Duration
}

// Options tunes queue behaviour.
type Options struct {
	Name         string
	MaxAttempts  int
	BlockTimeout time.Duration
	// ConsumerID identifies this process in the consumer lease; empty generates one.
	ConsumerID string
	// LeaseTTL is how long the consumer lease survives without renewal.
	LeaseTTL time.Duration
}

// Stats reports list lengths.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Connect opens a Redis client and verifies it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New creates a queue over an existing client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "document-processing"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.ConsumerID == "" {
		opts.ConsumerID = newConsumerID()
	}
	return &Queue{
		client:       client,
		name:         opts.Name,
		maxAttempts:  opts.MaxAttempts,
		blockTimeout: opts.BlockTimeout,
		consumerID:   opts.ConsumerID,
		leaseTTL:     opts.LeaseTTL,
	}
}

func newConsumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (q *Queue) pendingKey() string    { return q.name + ":pending" }
func (q *Queue) processingKey() string { return q.name + ":processing" }
func (q *Queue) deadKey() string       { return q.name + ":dead" }
func (q *Queue) consumerKey() string   { return q.name + ":consumer" }

var (
	acquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	recoverScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return -1
end
local moved = 0
while redis.call("LMOVE", KEYS[2], KEYS[3], "LEFT", "RIGHT") do
	moved = moved + 1
end
return moved`)
)

// ConsumerID returns the identity this queue uses for the consumer lease.
func (q *Queue) ConsumerID() string {
	return q.consumerID
}

// Acquire takes the consumer lease, or extends it when this queue already
// holds it. It returns ErrConsumerActive while another consumer holds it.
func (q *Queue) Acquire(ctx context.Context) error {
	ok, err := acquireScript.Run(ctx, q.client, []string{q.consumerKey()}, q.consumerID, q.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis acquire lease: %w", err)
	}
	if ok == 1 {
		return nil
	}
	holder, _ := q.client.Get(ctx, q.consumerKey()).Result()
	return fmt.Errorf("%w: %s", ErrConsumerActive, holder)
}

// Renew extends the lease. ErrNotConsumer means it was lost.
func (q *Queue) Renew(ctx context.Context) error {
	ok, err := renewScript.Run(ctx, q.client, []string{q.consumerKey()}, q.consumerID, q.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew lease: %w", err)
	}
	if ok != 1 {
		return ErrNotConsumer
	}
	return nil
}

// Release gives the lease up if this queue holds it.
func (q *Queue) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.consumerKey()}, q.consumerID).Err(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}

func (q *Queue) ensureConsumer(ctx context.Context) error {
	holder, err := q.client.Get(ctx, q.consumerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotConsumer
	}
	if err != nil {
		return fmt.Errorf("redis get lease: %w", err)
	}
	if holder != q.consumerID {
		return ErrNotConsumer
	}
	return nil
}

// Enqueue persists the task at the back of the queue and returns its job ID.
func (q *Queue) Enqueue(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		return "", errors.New("task has no id")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("redis lpush: %w", err)
	}
	return task.ID, nil
}

// Dequeue blocks up to the configured timeout for the next task.
// It returns nil, nil when nothing arrived in time, and ErrNotConsumer when
// the queue does not hold the consumer lease.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.ensureConsumer(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis brpoplpush: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Unreadable tasks can never succeed; park them instead of looping on them.
		logger.CtxError(ctx, "Dropping malformed task to dead letter: %v", err)
		if _, perr := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processingKey(), 1, raw)
			p.LPush(ctx, q.deadKey(), raw)
			return nil
		}); perr != nil {
			return nil, fmt.Errorf("dead-letter malformed task: %w", perr)
		}
		return nil, nil
	}
	return &Delivery{Task: &task, raw: raw}, nil
}

// Ack removes a finished task.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Fail removes a failed task from processing and either requeues it or moves it
// to the dead list. Only retryable errors are requeued, and only while attempts
// remain. It reports whether the task was requeued.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	next := *d.Task
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}
	raw, err := json.Marshal(&next)
	if err != nil {
		return false, fmt.Errorf("encode task: %w", err)
	}

	retry := domain.IsRetryable(cause) && next.Attempts < q.maxAttempts
	target := q.deadKey()
	if retry {
		target = q.pendingKey()
	}

	if _, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processingKey(), 1, d.raw)
		p.LPush(ctx, target, raw)
		return nil
	}); err != nil {
		return false, fmt.Errorf("redis fail task: %w", err)
	}
	return retry, nil
}

// Recover moves tasks abandoned in processing back to the front of pending,
// oldest first. It only runs for the lease holder, so it can never steal a
// task another live consumer is working on.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved, err := recoverScript.Run(ctx, q.client,
		[]string{q.consumerKey(), q.processingKey(), q.pendingKey()}, q.consumerID).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	if moved < 0 {
		return 0, ErrNotConsumer
	}
	return moved, nil
}

// Stats returns the current list lengths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var pending, processing, dead *redis.IntCmd
	if _, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.pendingKey())
		processing = p.LLen(ctx, q.processingKey())
		dead = p.LLen(ctx, q.deadKey())
		return nil
	}); err != nil {
		return Stats{}, fmt.Errorf("redis llen: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns up to n dead tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]Task, error) {
	raws, err := q.client.LRange(ctx, q.deadKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
