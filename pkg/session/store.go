package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"aegis/pkg/models"
)

// MemoryStore keeps session security state in process. Suitable for a single
// instance and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]models.SessionSecurityState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]models.SessionSecurityState{}}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*models.SessionSecurityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.items[sessionID]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *MemoryStore) Save(ctx context.Context, state *models.SessionSecurityState) error {
	if state == nil || state.SessionID == "" {
		return errors.New("session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.SessionID] = *state
	return nil
}

func (s *MemoryStore) Regenerate(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.items[sessionID]
	if !ok {
		return "", errors.New("unknown session")
	}
	newID := uuid.NewString()
	delete(s.items, sessionID)
	state.SessionID = newID
	s.items[newID] = state
	return newID, nil
}

// RedisStore shares session security state across instances as JSON blobs
// with a sliding TTL.
type RedisStore struct {
	Client  *redis.Client
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{Client: client, Prefix: "sess:", TTL: ttl, Timeout: 2 * time.Second}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.SessionSecurityState, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	raw, err := s.Client.Get(opCtx, s.Prefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state models.SessionSecurityState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state *models.SessionSecurityState) error {
	if state == nil || state.SessionID == "" {
		return errors.New("session id required")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.Client.Set(opCtx, s.Prefix+state.SessionID, raw, s.TTL).Err()
}

func (s *RedisStore) Regenerate(ctx context.Context, sessionID string) (string, error) {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", errors.New("unknown session")
	}
	newID := uuid.NewString()
	state.SessionID = newID
	if err := s.Save(ctx, state); err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	_ = s.Client.Del(opCtx, s.Prefix+sessionID).Err()
	return newID, nil
}

func (s *RedisStore) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 2 * time.Second
	}
	return s.Timeout
}
