package idempotency

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_TrimsHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/carts/checkout", nil)
	r.Header.Set(Header, "  abc ")
	assert.Equal(t, "abc", Key(r))
}

func TestMemory_AcquireOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Acquire(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "evt_1"))
	ok, err = m.Acquire(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
