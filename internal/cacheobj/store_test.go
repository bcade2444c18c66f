package cacheobj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
)

func newTestStore(t *testing.T) (*Store, *chunkpool.Pool) {
	t.Helper()
	pool := chunkpool.New(chunkpool.DefaultWatermarks(), log.DefaultLogger)
	return NewStore(pool, DefaultGrowthWatermarks(), log.DefaultLogger), pool
}

func TestMakeThenFindPromotesAndIncrefs(t *testing.T) {
	s, _ := newTestStore(t)
	key := Key{Type: KeyHTTP, URL: "http://example.com/a"}

	created := s.Make(key, true, nil)
	require.True(t, created.Flags.Has(FlagPublic))
	assert.EqualValues(t, 1, created.Refcount())

	found, ok := s.Find(key)
	require.True(t, ok)
	assert.Same(t, created, found)
	assert.EqualValues(t, 2, found.Refcount())
}

func TestAddDataAndReadAtRoundTrip(t *testing.T) {
	s, pool := newTestStore(t)
	key := Key{Type: KeyHTTP, URL: "http://example.com/b"}
	obj := s.Make(key, true, nil)

	payload := []byte("hello cache world")
	require.NoError(t, obj.AddData(pool, payload, 0))

	buf := make([]byte, len(payload))
	n, hole := obj.ReadAt(buf, 0)
	assert.False(t, hole)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestAddDataSpansMultipleChunks(t *testing.T) {
	s, pool := newTestStore(t)
	obj := s.Make(Key{Type: KeyHTTP, URL: "http://example.com/big"}, true, nil)

	payload := make([]byte, chunkpool.ChunkSize*2+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, obj.AddData(pool, payload, 0))

	buf := make([]byte, len(payload))
	n, hole := obj.ReadAt(buf, 0)
	assert.False(t, hole)
	assert.Equal(t, payload, buf[:n])
}

func TestHoleSizeReportsMissingRegion(t *testing.T) {
	s, pool := newTestStore(t)
	obj := s.Make(Key{Type: KeyHTTP, URL: "http://example.com/c"}, true, nil)
	obj.Length = int64(chunkpool.ChunkSize * 3)

	// Only write the first chunk -- the rest is a hole.
	require.NoError(t, obj.AddData(pool, make([]byte, chunkpool.ChunkSize), 0))
	obj.Size = int64(chunkpool.ChunkSize * 3)

	assert.EqualValues(t, 0, obj.HoleSize(10))
	assert.True(t, obj.HoleSize(int64(chunkpool.ChunkSize)) > 0)
}

func TestAbortPrivatisesAndSignalsWaiters(t *testing.T) {
	s, _ := newTestStore(t)
	obj := s.Make(Key{Type: KeyHTTP, URL: "http://example.com/d"}, true, nil)

	var gotStatus int
	obj.Condition().Wait(func(status int, data interface{}) bool {
		gotStatus = status
		return true
	}, nil)

	s.Abort(obj, 502, "upstream connect failed")

	assert.True(t, obj.Flags.Has(FlagAborted))
	assert.False(t, obj.Flags.Has(FlagPublic))
	assert.Equal(t, -1, gotStatus)

	_, ok := s.Find(Key{Type: KeyHTTP, URL: "http://example.com/d"})
	assert.False(t, ok, "aborted object must no longer be publicly findable")
}

func TestSupersedeUnlinksDiskEntry(t *testing.T) {
	s, _ := newTestStore(t)
	obj := s.Make(Key{Type: KeyHTTP, URL: "http://example.com/e"}, true, nil)

	unlinked := false
	obj.DiskEntry = unlinkFunc(func() { unlinked = true })

	s.Supersede(obj)
	assert.True(t, unlinked)
	assert.True(t, obj.Flags.Has(FlagSuperseded))
}

type unlinkFunc func()

func (f unlinkFunc) Unlink() { f() }

func TestConditionHandlerRegisteredDuringSignalRunsNextTime(t *testing.T) {
	c := newCondition()
	var second int
	c.Wait(func(status int, data interface{}) bool {
		c.Wait(func(status int, data interface{}) bool {
			second = status
			return true
		}, nil)
		return true
	}, nil)

	c.Signal(1)
	assert.Equal(t, 0, second, "handler registered mid-signal must not run until the next signal")

	c.Signal(2)
	assert.Equal(t, 2, second)
}
