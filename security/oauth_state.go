package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateTTL = 10 * time.Minute

// StateStore issues single-use OAuth state values backed by Redis.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client, ttl: stateTTL}
}

func stateKey(state string) string { return fmt.Sprintf("oauth_state:%s", state) }

// Issue generates a state value and remembers linkUserID (empty for a plain login)
// until it is consumed or expires.
func (s *StateStore) Issue(ctx context.Context, linkUserID string) (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	if err := s.client.Set(ctx, stateKey(state), linkUserID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return state, nil
}

// Consume validates and deletes state, returning the user id it was issued for.
func (s *StateStore) Consume(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	linkUserID, err := s.client.GetDel(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("failed to verify state: %w", err)
	}
	return linkUserID, nil
}
