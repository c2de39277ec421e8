package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(key string, payloadBytes int) *Entry {
	value, _ := json.Marshal(strings.Repeat("x", payloadBytes))
	return &Entry{
		Key:            key,
		Value:          value,
		ContentType:    ContentResponse,
		CreatedAt:      time.Now(),
		TTL:            time.Minute,
		StaleAfter:     48 * time.Second,
		RefreshAfter:   54 * time.Second,
		LastAccessedAt: time.Now(),
		SecurityLevel:  SecurityPublic,
		Priority:       PriorityNormal,
	}
}

func TestL1_SetGetDelete(t *testing.T) {
	l1, err := NewL1(DefaultL1Config())
	require.NoError(t, err)

	e := testEntry("k1", 100)
	l1.Set(e)

	got, ok := l1.Get("k1")
	require.True(t, ok)
	assert.Equal(t, e.Key, got.Key)

	assert.True(t, l1.Delete("k1"))
	_, ok = l1.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), l1.Evictions())
}

func TestL1_ByteBudgetEviction(t *testing.T) {
	// A 1 MiB budget with ~300 KiB entries fits three; the fourth evicts.
	l1, err := NewL1(L1Config{MaxSizeMB: 1, Strategy: EvictLRU, MaxEntries: 100})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		l1.Set(testEntry(fmt.Sprintf("k%d", i), 300*1024))
	}

	assert.LessOrEqual(t, l1.Bytes(), 1024*1024)
	assert.Greater(t, l1.Evictions(), int64(0))
	// The oldest entry went first under LRU.
	_, ok := l1.Peek("k0")
	assert.False(t, ok)
	_, ok = l1.Peek("k3")
	assert.True(t, ok)
}

func TestL1_LFUEvictsColdest(t *testing.T) {
	l1, err := NewL1(L1Config{MaxSizeMB: 1, Strategy: EvictLFU, MaxEntries: 100})
	require.NoError(t, err)

	hotEntry := testEntry("hot", 300*1024)
	hotEntry.AccessCount = 50
	coldEntry := testEntry("cold", 300*1024)

	l1.Set(hotEntry)
	l1.Set(coldEntry)
	l1.Set(testEntry("filler-a", 300*1024))
	l1.Set(testEntry("filler-b", 300*1024))

	_, hotAlive := l1.Peek("hot")
	_, coldAlive := l1.Peek("cold")
	assert.True(t, hotAlive)
	assert.False(t, coldAlive)
}

func TestL1_ReplaceDoesNotLeakBytes(t *testing.T) {
	l1, err := NewL1(DefaultL1Config())
	require.NoError(t, err)

	l1.Set(testEntry("k", 1000))
	before := l1.Bytes()
	l1.Set(testEntry("k", 1000))
	assert.Equal(t, before, l1.Bytes())
	assert.Equal(t, 1, l1.Len())
}

func TestL1_PurgeExpired(t *testing.T) {
	l1, err := NewL1(DefaultL1Config())
	require.NoError(t, err)

	expired := testEntry("old", 10)
	expired.CreatedAt = time.Now().Add(-2 * time.Minute)
	expired.TTL = time.Minute

	graceful := testEntry("grace", 10)
	graceful.CreatedAt = time.Now().Add(-70 * time.Second)
	graceful.TTL = time.Minute
	graceful.CanStale = true

	fresh := testEntry("fresh", 10)

	l1.Set(expired)
	l1.Set(graceful)
	l1.Set(fresh)

	purged := l1.PurgeExpired(300)
	assert.Equal(t, 1, purged)
	_, ok := l1.Peek("old")
	assert.False(t, ok)
	_, ok = l1.Peek("grace")
	assert.True(t, ok)
	_, ok = l1.Peek("fresh")
	assert.True(t, ok)
}

func TestL1_DeleteMatching(t *testing.T) {
	l1, err := NewL1(DefaultL1Config())
	require.NoError(t, err)

	l1.Set(testEntry("v1:public:book:abc:x", 10))
	l1.Set(testEntry("v1:public:book:abc:y", 10))
	l1.Set(testEntry("v1:public:book:def:z", 10))

	removed := l1.DeleteMatching("book:abc")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l1.Len())
}
