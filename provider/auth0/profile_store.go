package auth0

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms"
	"github.com/redis/go-redis/v9"
)

// ProfileEntry is a cached userinfo response
type ProfileEntry struct {
	Subject   string      `json:"subject"`
	Profile   lms.Profile `json:"profile"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// ProfileStore keeps profiles between requests. Freshness is decided by the
// caller from FetchedAt, so stores must keep entries past the profile TTL
// for stale fallback to work.
type ProfileStore interface {
	Get(ctx context.Context, subject string) (ProfileEntry, bool, error)
	Set(ctx context.Context, entry ProfileEntry) error
}

// MemoryProfileStore is a process local ProfileStore. Entries older than
// the retention window are dropped on read and swept on write.
type MemoryProfileStore struct {
	mu        sync.Mutex
	entries   map[string]ProfileEntry
	retention time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// MemoryProfileStoreOption configures a MemoryProfileStore
type MemoryProfileStoreOption func(*MemoryProfileStore)

// WithMemoryRetention keeps entries for d after they were fetched. Zero
// keeps them for the life of the process.
func WithMemoryRetention(d time.Duration) MemoryProfileStoreOption {
	return func(s *MemoryProfileStore) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithMemoryClock sets the clock used to age entries
func WithMemoryClock(now func() time.Time) MemoryProfileStoreOption {
	return func(s *MemoryProfileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryProfileStore returns a store that keeps entries for
// 4*DefaultProfileTTL unless WithMemoryRetention says otherwise.
func NewMemoryProfileStore(opts ...MemoryProfileStoreOption) *MemoryProfileStore {
	s := &MemoryProfileStore{
		entries:   map[string]ProfileEntry{},
		retention: 4 * DefaultProfileTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryProfileStore) Get(_ context.Context, subject string) (ProfileEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[subject]
	if !ok {
		return ProfileEntry{}, false, nil
	}

	if s.expired(entry, s.now()) {
		delete(s.entries, subject)
		return ProfileEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryProfileStore) Set(_ context.Context, entry ProfileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[entry.Subject] = entry

	if s.retention > 0 && now.Sub(s.lastSweep) >= s.retention/2 {
		for subject, e := range s.entries {
			if s.expired(e, now) {
				delete(s.entries, subject)
			}
		}
		s.lastSweep = now
	}
	return nil
}

// Len is the number of entries currently held
func (s *MemoryProfileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryProfileStore) expired(entry ProfileEntry, now time.Time) bool {
	return s.retention > 0 && now.Sub(entry.FetchedAt) > s.retention
}

// DefaultRedisKeyPrefix namespaces profile keys
const DefaultRedisKeyPrefix = "lms:userinfo:"

// RedisProfileStore shares cached profiles between server instances
type RedisProfileStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisProfileStoreOption configures a RedisProfileStore
type RedisProfileStoreOption func(*RedisProfileStore)

// WithRedisKeyPrefix replaces DefaultRedisKeyPrefix
func WithRedisKeyPrefix(prefix string) RedisProfileStoreOption {
	return func(s *RedisProfileStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisRetention expires keys after d. Zero keeps them until evicted.
func WithRedisRetention(d time.Duration) RedisProfileStoreOption {
	return func(s *RedisProfileStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewRedisProfileStore(client redis.UniversalClient, opts ...RedisProfileStoreOption) *RedisProfileStore {
	s := &RedisProfileStore{
		client: client,
		prefix: DefaultRedisKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisProfileStore) key(subject string) string {
	return s.prefix + subject
}

func (s *RedisProfileStore) Get(ctx context.Context, subject string) (ProfileEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ProfileEntry{}, false, nil
	}
	if err != nil {
		return ProfileEntry{}, false, errors.Wrap(err, errors.CategoryExternal, "profile store read failed").
			WithMetadata(map[string]any{"subject": subject})
	}

	entry := ProfileEntry{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ProfileEntry{}, false, errors.Wrap(err, errors.CategoryInternal, "profile store entry is corrupt").
			WithMetadata(map[string]any{"subject": subject})
	}
	return entry, true, nil
}

func (s *RedisProfileStore) Set(ctx context.Context, entry ProfileEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "encode profile entry")
	}
	if err := s.client.Set(ctx, s.key(entry.Subject), raw, s.retention).Err(); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "profile store write failed").
			WithMetadata(map[string]any{"subject": entry.Subject})
	}
	return nil
}
