package track

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStorage struct{}

func (failingStorage) Get(string) (string, error) { return "", errors.New("storage unavailable") }
func (failingStorage) Set(string, string) error   { return errors.New("storage unavailable") }

func TestVisitorIDStable(t *testing.T) {
	id := NewIdentity(NewMemoryStorage(), NewMemoryStorage())

	first := id.VisitorID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, id.VisitorID())
	assert.Equal(t, first, id.VisitorID())
}

func TestVisitorIDStorageFailure(t *testing.T) {
	id := NewIdentity(failingStorage{}, NewMemoryStorage())

	first := id.VisitorID()
	second := id.VisitorID()
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	// Never fails outward, but nothing persists either.
	assert.NotEqual(t, first, second)
}

func TestSessionIDReuseAndForceNew(t *testing.T) {
	id := NewIdentity(NewMemoryStorage(), NewMemoryStorage())

	first, started := id.SessionID(false)
	require.True(t, started)
	require.NotEmpty(t, first)

	again, started := id.SessionID(false)
	assert.False(t, started)
	assert.Equal(t, first, again)

	rotated, started := id.SessionID(true)
	assert.True(t, started)
	assert.NotEqual(t, first, rotated)
}

func TestExpiredAfterInactivityWindow(t *testing.T) {
	session := NewMemoryStorage()
	id := NewIdentity(NewMemoryStorage(), session)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id.now = func() time.Time { return now }

	// No timestamp at all counts as expired.
	assert.True(t, id.Expired())

	id.Touch()
	assert.False(t, id.Expired())

	now = now.Add(29 * time.Minute)
	assert.False(t, id.Expired())

	now = now.Add(2 * time.Minute)
	assert.True(t, id.Expired())
}

func TestExpiredOnGarbageTimestamp(t *testing.T) {
	session := NewMemoryStorage()
	require.NoError(t, session.Set("sp_last_active", "not-a-number"))

	id := NewIdentity(NewMemoryStorage(), session)
	assert.True(t, id.Expired())
}

func TestTouchWritesMillis(t *testing.T) {
	session := NewMemoryStorage()
	id := NewIdentity(NewMemoryStorage(), session)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id.now = func() time.Time { return now }
	id.Touch()

	raw, err := session.Get("sp_last_active")
	require.NoError(t, err)
	millis, err := strconv.ParseInt(raw, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), millis)
}
