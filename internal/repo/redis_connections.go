package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"auditline/internal/domain"
)

const (
	redisConnPrefix  = "auditline:conn:"
	redisOwnerPrefix = "auditline:owner:"
)

// RedisConnectionRecords keeps connection records in Redis so several server
// processes can see each other's live connections. Closed records expire
// after TTL.
type RedisConnectionRecords struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisConnectionRecords(addr string, ttl time.Duration) *RedisConnectionRecords {
	return &RedisConnectionRecords{Client: redis.NewClient(&redis.Options{Addr: addr}), TTL: ttl}
}

func (s *RedisConnectionRecords) save(ctx context.Context, rec domain.ConnectionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}
	if err := s.Client.Set(ctx, redisConnPrefix+rec.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("save connection record: %w", err)
	}
	return nil
}

func (s *RedisConnectionRecords) ConnectionOpened(ctx context.Context, rec domain.ConnectionRecord) error {
	if err := s.save(ctx, rec, 0); err != nil {
		return err
	}
	if err := s.Client.SAdd(ctx, redisOwnerPrefix+rec.OwnerID, rec.ID).Err(); err != nil {
		return fmt.Errorf("index connection record: %w", err)
	}
	return nil
}

func (s *RedisConnectionRecords) ConnectionClosed(ctx context.Context, rec domain.ConnectionRecord) error {
	if err := s.save(ctx, rec, s.TTL); err != nil {
		return err
	}
	if err := s.Client.SRem(ctx, redisOwnerPrefix+rec.OwnerID, rec.ID).Err(); err != nil {
		return fmt.Errorf("unindex connection record: %w", err)
	}
	return nil
}

// Get returns one record or ErrNotFound.
func (s *RedisConnectionRecords) Get(ctx context.Context, id string) (domain.ConnectionRecord, error) {
	var rec domain.ConnectionRecord
	data, err := s.Client.Get(ctx, redisConnPrefix+id).Bytes()
	if err == redis.Nil {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get connection record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal connection record: %w", err)
	}
	return rec, nil
}

// ActiveForOwner lists the open connections of ownerID across processes.
func (s *RedisConnectionRecords) ActiveForOwner(ctx context.Context, ownerID string) ([]domain.ConnectionRecord, error) {
	ids, err := s.Client.SMembers(ctx, redisOwnerPrefix+ownerID).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner connections: %w", err)
	}
	var res []domain.ConnectionRecord
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Active {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (s *RedisConnectionRecords) Close() error {
	return s.Client.Close()
}
