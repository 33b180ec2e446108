package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed storage keys for the persisted credential and profile.
const (
	KeyUser  = "user"
	KeyToken = "token"
)

// Credentials is the persisted identity: profile plus bearer token.
type Credentials struct {
	User  Profile
	Token string
}

// Store persists credentials durably across restarts. Clear must remove both
// keys atomically.
type Store interface {
	Load(ctx context.Context) (Credentials, bool, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// RedisStore keeps the credential under "<namespace>:user" and "<namespace>:token".
type RedisStore struct {
	R         *redis.Client
	Namespace string
	TTL       time.Duration
}

func (s RedisStore) key(name string) string {
	ns := strings.TrimSpace(s.Namespace)
	if ns == "" {
		return name
	}
	return ns + ":" + name
}

// Load reads the persisted credentials. A partially written pair is treated as absent.
func (s RedisStore) Load(ctx context.Context) (Credentials, bool, error) {
	if s.R == nil {
		return Credentials{}, false, errors.New("identity: redis client not configured")
	}
	vals, err := s.R.MGet(ctx, s.key(KeyUser), s.key(KeyToken)).Result()
	if err != nil {
		return Credentials{}, false, fmt.Errorf("identity: load session: %w", err)
	}
	rawUser, okUser := vals[0].(string)
	token, okToken := vals[1].(string)
	if !okUser || !okToken || rawUser == "" || token == "" {
		return Credentials{}, false, nil
	}
	var user Profile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return Credentials{}, false, fmt.Errorf("identity: decode stored user: %w", err)
	}
	return Credentials{User: user, Token: token}, true, nil
}

// Save writes both keys in a single MULTI/EXEC.
func (s RedisStore) Save(ctx context.Context, creds Credentials) error {
	if s.R == nil {
		return errors.New("identity: redis client not configured")
	}
	encoded, err := json.Marshal(creds.User)
	if err != nil {
		return fmt.Errorf("identity: encode user: %w", err)
	}
	_, err = s.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(KeyUser), encoded, s.TTL)
		pipe.Set(ctx, s.key(KeyToken), creds.Token, s.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("identity: save session: %w", err)
	}
	return nil
}

// Clear deletes both keys with one DEL.
func (s RedisStore) Clear(ctx context.Context) error {
	if s.R == nil {
		return errors.New("identity: redis client not configured")
	}
	if err := s.R.Del(ctx, s.key(KeyUser), s.key(KeyToken)).Err(); err != nil {
		return fmt.Errorf("identity: clear session: %w", err)
	}
	return nil
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (Credentials, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return Credentials{}, false, nil
	}
	return *m.creds, true, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = &creds
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}
