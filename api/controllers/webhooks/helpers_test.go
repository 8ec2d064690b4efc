package webhooks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/dispensary-engine/pkg/outbox/idempotency"
)

type fakeSigningClient struct {
	secret string
	url    string
}

func (c *fakeSigningClient) SigningSecret() string {
	return c.secret
}

func (c *fakeSigningClient) NotificationURL() string {
	return c.url
}

type inMemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{data: make(map[string]string)}
}

func (s *inMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *inMemoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("disp:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func newGuard(t *testing.T) *idempotency.Manager {
	t.Helper()
	guard, err := idempotency.NewManager(newInMemoryStore(), time.Minute)
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	return guard
}
