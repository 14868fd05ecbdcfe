package lms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	client, err := OpenStore(DatabaseConfig{DSN: ":memory:"}, NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = Migrate(context.Background(), client)
	require.NoError(t, err)

	return client.DB()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T) (RepositoryManager, *testClock) {
	t.Helper()

	clock := newTestClock()
	repo := NewRepositoryManager(newTestDB(t), WithUsersClock(clock.Now))
	require.NoError(t, repo.Validate())
	return repo, clock
}

func seedUser(t *testing.T, users Users, subject, email string, role UserRole) *User {
	t.Helper()

	user, err := users.Create(context.Background(), &User{
		Subject: subject,
		Email:   email,
		Role:    role,
	})
	require.NoError(t, err)
	return user
}

type activityRecorder struct {
	mu     sync.Mutex
	events []ActivityEvent
}

func (r *activityRecorder) Record(_ context.Context, event ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *activityRecorder) Events() []ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActivityEvent(nil), r.events...)
}
