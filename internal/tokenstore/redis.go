// Package tokenstore implements durable token storage with Redis
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenPrefix = "token:"

// storedRecord is the persisted document shape: expiry as nullable epoch
// seconds, refresh token nullable.
type storedRecord struct {
	AccessToken  string  `json:"access_token"`
	ExpiresAt    *int64  `json:"expires_at"`
	RefreshToken *string `json:"refresh_token"`
}

// RedisStore implements the Store interface using Redis. Each record is a
// single JSON document whose key is derived from the (device id, provider)
// pair, so Save is one SET and cannot double-insert under concurrent writers
// the way a query-then-update upsert can.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed token store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordID(deviceID, provider string) string {
	return tokenPrefix + deviceID + ":" + provider
}

// Load retrieves the record for the key, or nil when absent.
func (s *RedisStore) Load(ctx context.Context, deviceID, provider string) (*Record, error) {
	data, err := s.client.Get(ctx, recordID(deviceID, provider)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting token record: %w", err)
	}

	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshaling token record: %w", err)
	}

	record := &Record{AccessToken: stored.AccessToken}
	if stored.ExpiresAt != nil {
		t := time.Unix(*stored.ExpiresAt, 0)
		record.ExpiresAt = &t
	}
	if stored.RefreshToken != nil {
		record.RefreshToken = *stored.RefreshToken
	}
	return record, nil
}

// Save creates or replaces the record for the key.
func (s *RedisStore) Save(ctx context.Context, deviceID, provider string, record *Record) error {
	stored := storedRecord{AccessToken: record.AccessToken}
	if record.ExpiresAt != nil {
		epoch := record.ExpiresAt.Unix()
		stored.ExpiresAt = &epoch
	}
	if record.RefreshToken != "" {
		stored.RefreshToken = &record.RefreshToken
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}

	if err := s.client.Set(ctx, recordID(deviceID, provider), data, 0).Err(); err != nil {
		return fmt.Errorf("saving token record: %w", err)
	}
	return nil
}

// Delete removes the record for the key; absent records are ignored.
func (s *RedisStore) Delete(ctx context.Context, deviceID, provider string) error {
	if err := s.client.Del(ctx, recordID(deviceID, provider)).Err(); err != nil {
		return fmt.Errorf("deleting token record: %w", err)
	}
	return nil
}

// CheckHealth verifies Redis connectivity.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
