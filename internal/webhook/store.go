package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const (
	pendingKey = "dispatch:webhook:pending"
	deadKey    = "dispatch:webhook:dead"
)

// RedisSnapshotStore keeps pipeline state in two Redis hashes keyed by job
// id, so a restarting process picks up where it left off.
type RedisSnapshotStore struct {
	client *redis.Client
}

// NewRedisSnapshotStore constructs the store.
func NewRedisSnapshotStore(client *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client}
}

// SavePending writes or overwrites a pending job.
func (s *RedisSnapshotStore) SavePending(ctx context.Context, job *RetryJob) error {
	return s.save(ctx, pendingKey, job)
}

// RemovePending deletes a pending job.
func (s *RedisSnapshotStore) RemovePending(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, pendingKey, id).Err(); err != nil {
		return fmt.Errorf("snapshot: remove pending %s: %w", id, err)
	}
	return nil
}

// SaveDead writes or overwrites a dead letter.
func (s *RedisSnapshotStore) SaveDead(ctx context.Context, job *RetryJob) error {
	return s.save(ctx, deadKey, job)
}

// RemoveDead deletes a dead letter.
func (s *RedisSnapshotStore) RemoveDead(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, deadKey, id).Err(); err != nil {
		return fmt.Errorf("snapshot: remove dead %s: %w", id, err)
	}
	return nil
}

// Load reads back everything the store holds.
func (s *RedisSnapshotStore) Load(ctx context.Context) (pending, dead []*RetryJob, err error) {
	pending, err = s.loadHash(ctx, pendingKey)
	if err != nil {
		return nil, nil, err
	}
	dead, err = s.loadHash(ctx, deadKey)
	if err != nil {
		return nil, nil, err
	}
	return pending, dead, nil
}

func (s *RedisSnapshotStore) save(ctx context.Context, key string, job *RetryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("snapshot: encode job %s: %w", job.ID, err)
	}
	if err := s.client.HSet(ctx, key, job.ID, raw).Err(); err != nil {
		return fmt.Errorf("snapshot: save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisSnapshotStore) loadHash(ctx context.Context, key string) ([]*RetryJob, error) {
	entries, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", key, err)
	}
	jobs := make([]*RetryJob, 0, len(entries))
	for id, raw := range entries {
		var job RetryJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("snapshot: decode job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

var _ SnapshotStore = (*RedisSnapshotStore)(nil)
