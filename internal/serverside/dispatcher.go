// Package serverside is the half of the proxy that talks to origins
// (or a configured parent proxy): a pool of per-host *http.Client,
// singleflight collapsing of concurrent identical fetches onto one
// upstream round trip, and an idle-connection reaper.
package serverside

import (
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/paulbellamy/ratecounter"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/adapters"
)

// Options configures the dispatcher's connection pooling.
type Options struct {
	MaxConnsPerHost       int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// ParentProxy, if set, every request is routed through it instead
	// of dialing the origin directly.
	ParentProxy string

	// ReapInterval controls how often idle per-host clients with no
	// recent traffic are dropped from the pool.
	ReapInterval time.Duration
	ReapIdleAfter time.Duration

	// Resolver looks up the IPs dialed for an origin host, ahead of
	// net.Dialer's own resolution; nil falls back to adapters.NewResolver.
	Resolver adapters.Resolver
}

// DefaultOptions mirrors the teacher's ReverseProxy connection tuning.
func DefaultOptions() Options {
	return Options{
		MaxConnsPerHost:       100,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       10 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		ReapInterval:          30 * time.Second,
		ReapIdleAfter:         2 * time.Minute,
		Resolver:              adapters.NewResolver(),
	}
}

type pooledClient struct {
	client     *http.Client
	lastUsed   time.Time
	rate       *ratecounter.RateCounter
}

// Dispatcher fetches origin responses, collapsing concurrent identical
// requests (same method+URL+Range) onto a single round trip.
type Dispatcher struct {
	log      *log.Helper
	opt      Options
	dial     *net.Dialer
	resolver adapters.Resolver

	mu      sync.RWMutex
	clients map[string]*pooledClient

	flight singleflight.Group

	stop chan struct{}
}

// New constructs a Dispatcher and starts its idle-reaper goroutine.
func New(opt Options, logger log.Logger) *Dispatcher {
	resolver := opt.Resolver
	if resolver == nil {
		resolver = adapters.NewResolver()
	}
	d := &Dispatcher{
		log: log.NewHelper(logger),
		opt: opt,
		dial: &net.Dialer{
			Timeout:   opt.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		resolver: resolver,
		clients:  make(map[string]*pooledClient, 16),
		stop:     make(chan struct{}),
	}
	go d.reapLoop()
	return d
}

// Close stops the idle reaper. Outstanding *http.Client idle
// connections are left to their own IdleConnTimeout.
func (d *Dispatcher) Close() {
	close(d.stop)
}

// Do performs req against addr (host:port, or a unix socket path
// prefixed with "unix://"), collapsing concurrent identical requests
// onto one round trip when collapse is true. waitTimeout bounds how
// long a follower waits for the leader's result before giving up and
// issuing its own request.
func (d *Dispatcher) Do(req *http.Request, addr string, collapse bool, waitTimeout time.Duration) (*http.Response, error) {
	pc := d.clientFor(addr)

	if !collapse {
		return d.uncompress(pc.client.Do(req))
	}

	ch := d.flight.DoChan(collapseKey(req), func() (interface{}, error) {
		return d.uncompress(pc.client.Do(req))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*http.Response), nil
	case <-time.After(waitTimeout):
		return d.uncompress(pc.client.Do(req))
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

func (d *Dispatcher) clientFor(addr string) *pooledClient {
	d.mu.RLock()
	pc, ok := d.clients[addr]
	d.mu.RUnlock()
	if ok {
		d.touch(pc)
		return pc
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if pc, ok := d.clients[addr]; ok {
		d.touch(pc)
		return pc
	}

	network := "tcp"
	dialAddr := addr
	if d.opt.ParentProxy != "" {
		dialAddr = d.opt.ParentProxy
	} else if strings.HasSuffix(addr, ".sock") || strings.HasPrefix(addr, "unix://") {
		network = "unix"
		dialAddr = strings.TrimPrefix(addr, "unix://")
	}

	pc = &pooledClient{
		rate:     ratecounter.NewRateCounter(time.Second),
		lastUsed: time.Now(),
	}
	pc.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxConnsPerHost:       d.opt.MaxConnsPerHost,
			MaxIdleConns:          d.opt.MaxIdleConns,
			MaxIdleConnsPerHost:   d.opt.MaxIdleConnsPerHost,
			IdleConnTimeout:       d.opt.IdleConnTimeout,
			TLSHandshakeTimeout:   d.opt.TLSHandshakeTimeout,
			ExpectContinueTimeout: d.opt.ExpectContinueTimeout,
			ResponseHeaderTimeout: d.opt.ResponseHeaderTimeout,
			DisableCompression:    true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				start := time.Now()
				conn, err := d.dialResolved(ctx, network, dialAddr)
				if err == nil {
					pc.rate.Incr(time.Since(start).Milliseconds())
				}
				return conn, err
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	d.clients[addr] = pc
	return pc
}

// dialResolved dials addr over network, resolving its host through
// d.resolver first so a deployment can point origin lookups at its own
// resolver instead of net.Dialer's default one. It tries each returned
// IP in order and falls back to the unresolved dial (letting net.Dialer
// do its own resolution) when the resolver errors, returns nothing, or
// the network isn't "tcp" (a unix socket path has no host to resolve).
func (d *Dispatcher) dialResolved(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return d.dial.DialContext(ctx, network, addr)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return d.dial.DialContext(ctx, network, addr)
	}

	ips, err := d.resolver.Resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return d.dial.DialContext(ctx, network, addr)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dial.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *Dispatcher) touch(pc *pooledClient) {
	d.mu.Lock()
	pc.lastUsed = time.Now()
	d.mu.Unlock()
}

// RTTMillis returns the rolling one-second dial-latency rate (in
// milliseconds summed over the window) observed for addr, or 0 if no
// client has been created for it yet.
func (d *Dispatcher) RTTMillis(addr string) int64 {
	d.mu.RLock()
	pc, ok := d.clients[addr]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return pc.rate.Rate()
}

func (d *Dispatcher) uncompress(resp *http.Response, err error) (*http.Response, error) {
	if err != nil {
		return resp, err
	}

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		r, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return resp, gerr
		}
		resp.ContentLength = -1
		resp.Body = struct {
			io.Reader
			io.Closer
		}{Reader: r, Closer: resp.Body}
	case "br":
		r := brotli.NewReader(resp.Body)
		resp.ContentLength = -1
		resp.Body = struct {
			io.Reader
			io.Closer
		}{Reader: r, Closer: resp.Body}
	}
	return resp, nil
}

func collapseKey(req *http.Request) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteString(req.URL.String())
	sb.WriteString(req.Header.Get("Range"))
	return sb.String()
}

func (d *Dispatcher) reapLoop() {
	if d.opt.ReapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.opt.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.reapIdle()
		}
	}
}

func (d *Dispatcher) reapIdle() {
	cutoff := time.Now().Add(-d.opt.ReapIdleAfter)

	d.mu.Lock()
	var reaped int
	for addr, pc := range d.clients {
		if pc.lastUsed.Before(cutoff) {
			pc.client.CloseIdleConnections()
			delete(d.clients, addr)
			reaped++
		}
	}
	d.mu.Unlock()

	if reaped > 0 {
		d.log.Debugf("serverside: reaped %d idle per-host clients", reaped)
	}
}
