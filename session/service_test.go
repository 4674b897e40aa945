package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/types"
)

// --- Helpers ---

func newTestService(t *testing.T, cfg Config) (*Service, *time.Time) {
	t.Helper()
	svc := NewService(cfg, nil)
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, &now
}

// --- Interface compliance ---

func TestService_ImplementsSessionAuthority(t *testing.T) {
	var _ progress.SessionAuthority = (*Service)(nil)
}

// --- Lifecycle ---

func TestService_CreateAndGet(t *testing.T) {
	svc, _ := newTestService(t, Config{TTL: time.Hour})

	sess := svc.Create("user-1")
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt)

	got, ok := svc.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestService_Get_Missing(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, ok := svc.Get("nope")
	assert.False(t, ok)
}

func TestService_Get_ExpiredIsLazilyDeleted(t *testing.T) {
	svc, now := newTestService(t, Config{TTL: time.Hour})
	sess := svc.Create("user-1")

	*now = now.Add(2 * time.Hour)

	_, ok := svc.Get(sess.ID)
	assert.False(t, ok)
	assert.False(t, svc.IsValid(sess.ID))
}

func TestService_Touch(t *testing.T) {
	svc, now := newTestService(t, Config{TTL: time.Hour})
	sess := svc.Create("user-1")
	created := sess.LastActivity

	*now = now.Add(10 * time.Minute)
	svc.Touch(sess.ID)

	got, ok := svc.Get(sess.ID)
	require.True(t, ok)
	assert.True(t, got.LastActivity.After(created))
}

func TestService_Delete(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	sess := svc.Create("user-1")

	svc.Delete(sess.ID)
	_, ok := svc.Get(sess.ID)
	assert.False(t, ok)

	// idempotent
	svc.Delete(sess.ID)
}

// --- API key exchange ---

func TestService_CreateFromAPIKey(t *testing.T) {
	svc, _ := newTestService(t, Config{APIKeys: []string{"fk-live-abcdef123456"}})

	sess, err := svc.CreateFromAPIKey("fk-live-abcdef123456")
	require.NoError(t, err)
	assert.Equal(t, "user_fk-live-", sess.UserID)
	assert.True(t, svc.IsValid(sess.ID))
}

func TestService_CreateFromAPIKey_Invalid(t *testing.T) {
	svc, _ := newTestService(t, Config{APIKeys: []string{"good-key"}})

	_, err := svc.CreateFromAPIKey("bad-key")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

// --- SessionAuthority ---

func TestService_ConnectionCap(t *testing.T) {
	svc, _ := newTestService(t, Config{ConnectionCap: 3})
	assert.Equal(t, 3, svc.ConnectionCap())

	// zero config falls back to the default
	def := NewService(Config{}, nil)
	assert.Equal(t, DefaultConfig().ConnectionCap, def.ConnectionCap())
}
