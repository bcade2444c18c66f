package clientside

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/internal/diskcache"
	"github.com/kestrelproxy/kestrel/internal/serverside"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	pool := chunkpool.New(chunkpool.DefaultWatermarks(), log.DefaultLogger)
	store := cacheobj.NewStore(pool, cacheobj.DefaultGrowthWatermarks(), log.DefaultLogger)
	disk, err := diskcache.New(diskcache.DefaultOptions(t.TempDir()), log.DefaultLogger)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	srv := serverside.New(serverside.DefaultOptions(), log.DefaultLogger)
	t.Cleanup(srv.Close)

	return New(DefaultOptions(), pool, store, disk, srv, log.DefaultLogger)
}

func TestRoundTripMissFetchesAndCachesResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	d := newTestDispatcher(t)

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)

	resp, err := d.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "origin body", string(body))
	assert.Equal(t, StatusMiss, resp.Header.Get("X-Cache-Status"))
}

func TestRoundTripHitServesFromStoreAfterPopulated(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("cacheable"))
	}))
	defer origin.Close()

	d := newTestDispatcher(t)

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)

	resp1, err := d.RoundTrip(req)
	require.NoError(t, err)
	_, err = io.ReadAll(resp1.Body)
	require.NoError(t, err)
	resp1.Body.Close()

	req2, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)
	resp2, err := d.RoundTrip(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "cacheable", string(body))
	assert.Equal(t, StatusHit, resp2.Header.Get("X-Cache-Status"))
}

func TestRoundTripHitHonorsRangeRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("0123456789"))
	}))
	defer origin.Close()

	d := newTestDispatcher(t)

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)
	resp1, err := d.RoundTrip(req)
	require.NoError(t, err)
	_, err = io.ReadAll(resp1.Body)
	require.NoError(t, err)
	resp1.Body.Close()

	req2, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)
	req2.Header.Set("Range", "bytes=2-4")

	resp2, err := d.RoundTrip(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "234", string(body))
	assert.Equal(t, http.StatusPartialContent, resp2.StatusCode)
	assert.Equal(t, "bytes 2-4/10", resp2.Header.Get("Content-Range"))
}

func TestIsCacheableStatus(t *testing.T) {
	assert.True(t, isCacheableStatus(http.StatusOK))
	assert.True(t, isCacheableStatus(http.StatusNotFound))
	assert.False(t, isCacheableStatus(http.StatusInternalServerError))
}

func TestEncodeDecodeHeadersRoundTrip(t *testing.T) {
	h := http.Header{"Content-Type": {"text/plain"}, "X-Custom": {"a", "b"}}
	raw := encodeHeaders(h)
	back := decodeHeaders(raw)
	assert.Equal(t, h.Get("Content-Type"), back.Get("Content-Type"))
	assert.ElementsMatch(t, h["X-Custom"], back["X-Custom"])
}
