package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 16

// ErrConflict is returned when concurrent writers keep invalidating an update.
var ErrConflict = errors.New("job update conflict")

// RedisStore keeps jobs as JSON documents in Redis so API and worker processes share them.
// Finished jobs expire after ttl.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore. A zero ttl keeps finished jobs forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "minerp:job:", ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Create stores a new job; an existing id is an error.
func (s *RedisStore) Create(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(job.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

// Get returns the stored job.
func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, notFound(id)
	}
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Update applies fn inside a WATCH/MULTI transaction and retries when the key changed underneath.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	key := s.key(id)
	var out Job
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if job.Status.IsTerminal() {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			out = job
		}
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Job{}, err
	}
	return Job{}, fmt.Errorf("job %s: %w", id, ErrConflict)
}
