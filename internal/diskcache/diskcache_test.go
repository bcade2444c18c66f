package diskcache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(DefaultOptions(t.TempDir()), log.DefaultLogger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChooseBodyOffsetRoundsUp(t *testing.T) {
	assert.EqualValues(t, 256, chooseBodyOffset(100))
	assert.EqualValues(t, 512, chooseBodyOffset(300))
	assert.EqualValues(t, 1024, chooseBodyOffset(600))
	assert.EqualValues(t, 4096, chooseBodyOffset(2000))
	assert.EqualValues(t, 8192, chooseBodyOffset(5000))
}

func TestIsPathTraversalRejectsDotDot(t *testing.T) {
	assert.True(t, isPathTraversal("/../etc/passwd"))
	assert.True(t, isPathTraversal("/a/../../b"))
	assert.False(t, isPathTraversal("/a/b/c.html"))
}

func TestStoreThenOpenRoundTrip(t *testing.T) {
	c := newTestCache(t)

	header := http.Header{"Content-Type": {"text/plain"}, "ETag": {`"abc"`}}
	entry, err := c.Store("http://example.com/file", "HTTP/1.1 200 OK", header, 11)
	require.NoError(t, err)
	require.NotNil(t, entry)

	_, err = entry.file.WriteAt([]byte("hello world"), entry.bodyOffset)
	require.NoError(t, err)
	entry.size = 11

	reopened, err := c.Open("http://example.com/file")
	require.NoError(t, err)
	assert.Equal(t, entry.bodyOffset, reopened.bodyOffset)
	assert.Equal(t, `"abc"`, reopened.ETag)
}

func TestWriteoutWritesObjectBytesToDisk(t *testing.T) {
	c := newTestCache(t)
	pool := chunkpool.New(chunkpool.DefaultWatermarks(), log.DefaultLogger)
	store := cacheobj.NewStore(pool, cacheobj.DefaultGrowthWatermarks(), log.DefaultLogger)

	obj := store.Make(cacheobj.Key{Type: cacheobj.KeyHTTP, URL: "http://example.com/obj"}, true, nil)
	payload := []byte("some cached body bytes")
	require.NoError(t, obj.AddData(pool, payload, 0))
	obj.Size = int64(len(payload))

	entry, err := c.Store("http://example.com/obj", "HTTP/1.1 200 OK", http.Header{}, int64(len(payload)))
	require.NoError(t, err)

	n, err := c.Writeout(entry, obj, int64(len(payload)), 0)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)

	buf := make([]byte, len(payload))
	_, err = entry.file.ReadAt(buf, entry.bodyOffset)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestFillFromDiskRepopulatesMemory(t *testing.T) {
	c := newTestCache(t)
	pool := chunkpool.New(chunkpool.DefaultWatermarks(), log.DefaultLogger)
	store := cacheobj.NewStore(pool, cacheobj.DefaultGrowthWatermarks(), log.DefaultLogger)

	payload := []byte("round trip through disk and back")
	entry, err := c.Store("http://example.com/rt", "HTTP/1.1 200 OK", http.Header{}, int64(len(payload)))
	require.NoError(t, err)
	_, err = entry.file.WriteAt(payload, entry.bodyOffset)
	require.NoError(t, err)
	entry.size = int64(len(payload))

	obj := store.Make(cacheobj.Key{Type: cacheobj.KeyHTTP, URL: "http://example.com/rt"}, true, nil)
	obj.Length = int64(len(payload))

	ok, err := c.FillFromDisk(pool, entry, obj, 0, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	buf := make([]byte, len(payload))
	n, hole := obj.ReadAt(buf, 0)
	assert.False(t, hole)
	assert.Equal(t, payload, buf[:n])
}

func TestLocalFileServerRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	lfs := LocalFileServer{Root: dir}
	_, _, ok := lfs.Resolve("/../etc/passwd")
	assert.False(t, ok)
}
