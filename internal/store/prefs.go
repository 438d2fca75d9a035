// Package store persists per-session user preferences. Sessions are uuid
// identifiers minted on first contact; preferences live in Redis when
// configured and fall back to process memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/majemaai/tutorlink/internal/backend"
)

// Preferences are the stored toggle flags and grade level for one session.
// Zero value is a valid default: mid grade, everything else off.
type Preferences struct {
	GradeLevel        string `json:"gradeLevel"`
	VoiceEnabled      bool   `json:"voiceEnabled"`
	TutorEnabled      bool   `json:"tutorEnabled"`
	SyllabusEnabled   bool   `json:"syllabusEnabled"`
	BreadcrumbEnabled bool   `json:"breadcrumbEnabled"`
}

// Grade parses the stored grade level, defaulting to mid.
func (p Preferences) Grade() backend.Grade {
	return backend.ParseGrade(p.GradeLevel)
}

// ErrNotFound is returned when a session has no stored preferences yet.
var ErrNotFound = errors.New("store: session not found")

// Store reads and writes session preferences.
type Store interface {
	Load(ctx context.Context, sessionID string) (Preferences, error)
	Save(ctx context.Context, sessionID string, prefs Preferences) error
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// MemoryStore keeps preferences in process memory. Used when no Redis is
// configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]Preferences
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[string]Preferences)}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[sessionID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Save(ctx context.Context, sessionID string, prefs Preferences) error {
	m.mu.Lock()
	m.prefs[sessionID] = prefs
	m.mu.Unlock()
	return nil
}

const prefsTTL = 30 * 24 * time.Hour

// RedisStore persists preferences as JSON blobs keyed by session id.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the Redis at url and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func prefsKey(sessionID string) string {
	return "prefs:" + sessionID
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) (Preferences, error) {
	raw, err := r.rdb.Get(ctx, prefsKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Preferences{}, ErrNotFound
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("store: load %s: %w", sessionID, err)
	}
	var p Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return Preferences{}, fmt.Errorf("store: decode %s: %w", sessionID, err)
	}
	return p, nil
}

func (r *RedisStore) Save(ctx context.Context, sessionID string, prefs Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", sessionID, err)
	}
	if err := r.rdb.Set(ctx, prefsKey(sessionID), raw, prefsTTL).Err(); err != nil {
		return fmt.Errorf("store: save %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
