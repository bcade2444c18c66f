// Package tunnel implements the CONNECT method: once the client has
// asked to open an opaque byte pipe to an origin, the cache has nothing
// useful to do with the bytes and simply splices the two connections
// together until either side closes.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

// copyBufPool mirrors the server package's response-body buffer pool:
// CONNECT traffic is just as copy-bound as a proxied response body, so
// the same 32KiB buffer size is reused here.
var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Dialer opens the upstream side of a tunnel. The default is
// (&net.Dialer{}).DialContext; parent-proxy configurations substitute
// a dialer that first issues a CONNECT to the parent and returns the
// resulting connection.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Handler answers CONNECT requests by hijacking the client connection
// and relaying bytes to/from the requested origin.
type Handler struct {
	log *log.Helper

	// AllowedPorts restricts which destination ports may be tunneled.
	// A nil/empty set allows any port; this matches the teacher's
	// "reject by default only once configured" style used elsewhere
	// for LocalApiAllowHosts.
	AllowedPorts map[int]struct{}

	// Dial opens the upstream connection. Defaults to a plain TCP dial.
	Dial Dialer

	// DialTimeout bounds the upstream dial when Dial is left at its
	// default value.
	DialTimeout time.Duration
}

// NewHandler constructs a Handler with a plain TCP dialer.
func NewHandler(logger log.Logger, allowedPorts []int) *Handler {
	h := &Handler{
		log:         log.NewHelper(logger),
		DialTimeout: 10 * time.Second,
	}
	if len(allowedPorts) > 0 {
		h.AllowedPorts = make(map[int]struct{}, len(allowedPorts))
		for _, p := range allowedPorts {
			h.AllowedPorts[p] = struct{}{}
		}
	}
	return h
}

// WithParentProxy returns a copy of h whose Dial opens the connection by
// issuing CONNECT to parentAddr and using the tunnel it returns, instead
// of dialing addr directly.
func (h *Handler) WithParentProxy(parentAddr string, parentHeader http.Header) *Handler {
	cp := *h
	cp.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{Timeout: h.dialTimeout()}).DialContext(ctx, network, parentAddr)
		if err != nil {
			return nil, fmt.Errorf("tunnel: dial parent proxy %s: %w", parentAddr, err)
		}
		header := parentHeader.Clone()
		if header == nil {
			header = http.Header{}
		}
		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: header,
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, err
		}
		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("tunnel: parent proxy refused CONNECT %s: %s", addr, resp.Status)
		}
		return conn, nil
	}
	return &cp
}

func (h *Handler) dialTimeout() time.Duration {
	if h.DialTimeout > 0 {
		return h.DialTimeout
	}
	return 10 * time.Second
}

func (h *Handler) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if h.Dial != nil {
		return h.Dial(ctx, network, addr)
	}
	d := &net.Dialer{Timeout: h.dialTimeout()}
	return d.DialContext(ctx, network, addr)
}

// portAllowed reports whether addr's port may be tunneled.
func (h *Handler) portAllowed(addr string) bool {
	if len(h.AllowedPorts) == 0 {
		return true
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	_, ok := h.AllowedPorts[port]
	return ok
}

// ServeConnect handles a single CONNECT request: it must be called
// before anything has been written to w, since it takes over the raw
// connection via http.Hijacker.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	clog := log.Context(r.Context())

	if r.Method != http.MethodConnect {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if !h.portAllowed(target) {
		clog.Warnf("tunnel: rejecting CONNECT to disallowed port %s", target)
		http.Error(w, "port not allowed", http.StatusForbidden)
		return
	}

	upstream, err := h.dial(r.Context(), "tcp", target)
	if err != nil {
		clog.Errorf("tunnel: failed to connect upstream %s: %s", target, err)
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		clog.Errorf("tunnel: hijack failed: %s", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	// Any bytes the client already sent past the CONNECT request's
	// headers (pipelined TLS ClientHello, typically) are sitting in
	// clientBuf and must be forwarded before we start reading fresh
	// bytes off the raw socket.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		_, _ = io.ReadFull(clientBuf, buffered)
		if _, err := upstream.Write(buffered); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	clog.Debugf("tunnel: established CONNECT %s", target)
	splice(clientConn, upstream)
}

// splice relays bytes in both directions until both halves have seen
// EOF or an error, applying half-close so that a client that finishes
// writing (e.g. after sending a TLS close_notify) doesn't block the
// other direction from draining.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		copyHalf(a, b)
	}()

	wg.Wait()
	a.Close()
	b.Close()
}

// copyHalf copies src into dst and then shuts down dst's write side, so
// the peer observes EOF promptly instead of waiting for the whole
// splice to tear down.
func copyHalf(dst, src net.Conn) {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)

	_, _ = io.CopyBuffer(dst, src, *bufp)

	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := dst.(writeCloser); ok {
		_ = wc.CloseWrite()
	} else {
		_ = dst.Close()
	}
}
