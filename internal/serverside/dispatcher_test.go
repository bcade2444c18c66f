package serverside

import (
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

func addrOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return srv.Listener.Addr().String()
}

func TestDoFetchesPlainResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d := New(DefaultOptions(), log.DefaultLogger)
	defer d.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := d.Do(req, addrOf(t, srv), false, time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("compressed body"))
		gz.Close()
	}))
	defer srv.Close()

	d := New(DefaultOptions(), log.DefaultLogger)
	defer d.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := d.Do(req, addrOf(t, srv), false, time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, len("compressed body"))
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "compressed body", string(buf[:n]))
}

func TestDoCollapsesConcurrentRequests(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(DefaultOptions(), log.DefaultLogger)
	defer d.Close()

	addr := addrOf(t, srv)
	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			resp, err := d.Do(req, addr, true, time.Second)
			if err == nil {
				resp.Body.Close()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&hits), int64(5))
}

func TestClientForReusesPooledClient(t *testing.T) {
	d := New(DefaultOptions(), log.DefaultLogger)
	defer d.Close()

	a := d.clientFor("example.com:80")
	b := d.clientFor("example.com:80")
	assert.Same(t, a, b)
}

func TestReapIdleRemovesStaleClients(t *testing.T) {
	opt := DefaultOptions()
	opt.ReapIdleAfter = -time.Second
	d := New(opt, log.DefaultLogger)
	defer d.Close()

	d.clientFor("stale.example.com:80")
	d.reapIdle()

	d.mu.RLock()
	_, ok := d.clients["stale.example.com:80"]
	d.mu.RUnlock()
	assert.False(t, ok)
}
