// Package presence tracks which collaborators are currently attached
// to a document. It is advisory state for the editor's user list;
// synchronization never depends on it, and a missing Redis simply
// disables it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Collaborator struct {
	UserID   string    `json:"user_id"`
	SocketID string    `json:"socket_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// RedisStore keeps one hash per document, keyed by socket id. The TTL
// is crash cleanup: entries of a server that died without Leave calls
// age out on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    5 * time.Minute,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Join(ctx context.Context, documentID, socketID, userID string) error {
	data, err := json.Marshal(Collaborator{
		UserID:   userID,
		SocketID: socketID,
		JoinedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal collaborator: %w", err)
	}

	key := s.key(documentID)
	if err := s.client.HSet(ctx, key, socketID, data).Err(); err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence ttl: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, documentID, socketID string) error {
	if err := s.client.HDel(ctx, s.key(documentID), socketID).Err(); err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, documentID string) ([]Collaborator, error) {
	entries, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}

	collaborators := make([]Collaborator, 0, len(entries))
	for _, raw := range entries {
		var c Collaborator
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		collaborators = append(collaborators, c)
	}
	return collaborators, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
