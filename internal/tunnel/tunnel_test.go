package tunnel

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

// echoServer accepts one connection and echoes back whatever it reads.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestServeConnectSplicesBytes(t *testing.T) {
	target := echoServer(t)
	h := NewHandler(log.DefaultLogger, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeConnect(w, r)
	}))
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", srv.Listener.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	require.NoError(t, err)
	req.Host = target
	require.NoError(t, req.Write(conn))

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = conn.Write([]byte("hello tunnel"))
	require.NoError(t, err)

	buf := make([]byte, len("hello tunnel"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello tunnel", string(buf))
}

func TestPortAllowedRejectsDisallowedPort(t *testing.T) {
	h := NewHandler(log.DefaultLogger, []int{443, 8443})
	assert.True(t, h.portAllowed("example.com:443"))
	assert.False(t, h.portAllowed("example.com:80"))
}

func TestPortAllowedAllowsAnyWhenUnconfigured(t *testing.T) {
	h := NewHandler(log.DefaultLogger, nil)
	assert.True(t, h.portAllowed("example.com:9999"))
}

func TestServeConnectRejectsDisallowedPort(t *testing.T) {
	h := NewHandler(log.DefaultLogger, []int{443})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodConnect, "http://example.com:80", nil)
	req.Host = "example.com:80"

	h.ServeConnect(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDialContextDefaultsToNetDialer(t *testing.T) {
	target := echoServer(t)
	h := NewHandler(log.DefaultLogger, nil)

	conn, err := h.dial(context.Background(), "tcp", target)
	require.NoError(t, err)
	defer conn.Close()
}
