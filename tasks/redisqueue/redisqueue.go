// Package redisqueue provides a Redis Streams tasks.Queue for multi-instance
// deployments. Jobs are appended with XADD and consumed through a consumer
// group, so instances sharing the stream split the work and a queued job
// survives the submitting process.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpkit/compose-go/tasks"
)

// Config for the Redis-backed task queue. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Stream is the stream key jobs are appended to. ENV: TASKS_STREAM
	Stream string `env:"TASKS_STREAM,default=mcp:tasks"`
	// Group is the consumer group shared by all worker instances.
	// ENV: TASKS_GROUP
	Group string `env:"TASKS_GROUP,default=dispatch"`
	// Consumer names this instance within the group. Defaults to the
	// hostname plus a random suffix. ENV: TASKS_CONSUMER
	Consumer string `env:"TASKS_CONSUMER"`
	// Logger is used by the consume loop. Not environment-configurable.
	Logger *slog.Logger
}

// Queue is a Redis Streams implementation of tasks.Queue.
type Queue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Queue, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "mcp:tasks"
	}
	group := cfg.Group
	if group == "" {
		group = "dispatch"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log,
	}, nil
}

// NewFromEnv builds a Queue using envdecode to populate Config.
func NewFromEnv() (*Queue, error) {
	var cfg Config
	// Use envdecode; defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Close releases the Redis connection. A running consume loop stops on its
// next read.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

// Enqueue appends the job to the stream. It returns once Redis acknowledges
// the append.
func (q *Queue) Enqueue(ctx context.Context, job tasks.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return tasks.ErrQueueClosed
	}
	q.mu.Unlock()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": payload},
	}).Err(); err != nil {
		return fmt.Errorf("append job to stream %s: %w", q.stream, err)
	}
	return nil
}

// Subscribe joins the consumer group, creating it if needed, and returns
// once the group exists. Jobs are delivered on a queue-owned goroutine; each
// delivery is acknowledged and deleted after the handler returns, regardless
// of the handler's error — failures belong on the task record, not back on
// the queue.
func (q *Queue) Subscribe(ctx context.Context, handler tasks.JobHandlerFunction) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}

	go q.consume(ctx, handler)
	return nil
}

func (q *Queue) consume(ctx context.Context, handler tasks.JobHandlerFunction) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    16,
			Block:    500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			q.log.WarnContext(ctx, "tasks.queue.read_fail", slog.String("err", err.Error()))
			// Transient failure; back off briefly to avoid a hot loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				job, ok := decodeJob(msg)
				if ok {
					if herr := handler(ctx, job); herr != nil {
						q.log.WarnContext(ctx, "tasks.queue.handler_fail",
							slog.String("task_id", job.TaskID),
							slog.String("err", herr.Error()),
						)
					}
				} else {
					q.log.WarnContext(ctx, "tasks.queue.malformed_entry", slog.String("entry_id", msg.ID))
				}
				// Ack and reclaim the entry either way; the record store is
				// the source of truth for failures.
				ackCtx := context.WithoutCancel(ctx)
				_ = q.client.XAck(ackCtx, q.stream, q.group, msg.ID).Err()
				_ = q.client.XDel(ackCtx, q.stream, msg.ID).Err()
			}
		}
	}
}

func decodeJob(msg redis.XMessage) (tasks.Job, bool) {
	var job tasks.Job
	raw, ok := msg.Values["job"]
	if !ok {
		return job, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return job, false
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, false
	}
	return job, true
}

var _ tasks.Queue = (*Queue)(nil)
