package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gwi.com/chat-insights/internal/logger"
)

const blockTimeout = 5 * time.Second

// Redis is a reliable list queue: Dequeue atomically moves a task from the
// pending list to the processing list and Ack removes it from there.
type Redis struct {
	rdb        *goredis.Client
	pending    string
	processing string
	log        *logger.Logger
}

func NewRedis(ctx context.Context, addr, key string, log *logger.Logger) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{
		rdb:        rdb,
		pending:    key + ":pending",
		processing: key + ":processing",
		log:        log.With("service", "RedisQueue"),
	}, nil
}

func (r *Redis) Enqueue(ctx context.Context, task Task) error {
	stamp(&task)
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := r.rdb.LPush(ctx, r.pending, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := r.rdb.BLMove(ctx, r.pending, r.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, goredis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			r.log.Warn("dropping malformed task", "error", err)
			_ = r.rdb.LRem(ctx, r.processing, 1, raw).Err()
			continue
		}
		return &Delivery{Task: task, raw: raw}, nil
	}
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := r.rdb.LRem(ctx, r.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Recover moves tasks left in processing by a previous consumer back to
// pending. Call it once before consuming.
func (r *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := r.rdb.LMove(ctx, r.processing, r.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover tasks: %w", err)
		}
		moved++
	}
	if moved > 0 {
		r.log.Info("requeued unacknowledged tasks", "count", moved)
	}
	return moved, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
