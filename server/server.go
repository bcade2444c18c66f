package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelproxy/kestrel/conf"
	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/contrib/transport"
	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/internal/clientside"
	"github.com/kestrelproxy/kestrel/internal/constants"
	"github.com/kestrelproxy/kestrel/internal/diskcache"
	"github.com/kestrelproxy/kestrel/internal/evloop"
	"github.com/kestrelproxy/kestrel/internal/freshness"
	"github.com/kestrelproxy/kestrel/internal/serverside"
	"github.com/kestrelproxy/kestrel/internal/tunnel"
	"github.com/kestrelproxy/kestrel/metrics"
	xhttp "github.com/kestrelproxy/kestrel/pkg/x/http"
	"github.com/kestrelproxy/kestrel/pkg/x/runtime"
	"github.com/kestrelproxy/kestrel/server/middleware"
	_ "github.com/kestrelproxy/kestrel/server/middleware/recovery"
	"github.com/kestrelproxy/kestrel/server/mod"
)

var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.1":     {},
	"127.0.0.1": {},
}

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kestrel",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total requests served, labelled by protocol and status.",
}, []string{"proto", "status"})

var cacheStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kestrel",
	Subsystem: "cache",
	Name:      "requests_total",
	Help:      "Total requests served, labelled by X-Cache status (HIT/MISS/STALE/BYPASS).",
}, []string{"status"})

var cacheBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kestrel",
	Subsystem: "cache",
	Name:      "response_bytes_total",
	Help:      "Total response bytes sent to clients, labelled by X-Cache status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(requestsTotal, cacheStatusTotal, cacheBytesTotal)
}

// HTTPServer is the cache's single listener: it answers CONNECT by
// handing the hijacked connection to internal/tunnel, and every other
// method through the middleware chain fronting internal/clientside.
type HTTPServer struct {
	*http.Server

	flip         *tableflip.Upgrader
	config       *conf.Bootstrap
	serverConfig *conf.Server
	listener     net.Listener
	cleanups     []func()

	pool            *chunkpool.Pool
	store           *cacheobj.Store
	disk            *diskcache.Cache
	srv             *serverside.Dispatcher
	tunnels         *tunnel.Handler
	cacheDispatcher *clientside.Dispatcher
}

// NewServer wires the cache stack (chunkpool/cacheobj/diskcache/
// serverside/clientside) and builds the http.Server around it.
func NewServer(flip *tableflip.Upgrader, config *conf.Bootstrap) transport.Server {
	servConfig := config.Server

	s := &HTTPServer{
		Server: &http.Server{
			Addr:              servConfig.Addr,
			ReadTimeout:       servConfig.ReadTimeout,
			WriteTimeout:      servConfig.WriteTimeout,
			IdleTimeout:       servConfig.IdleTimeout,
			ReadHeaderTimeout: servConfig.ReadHeaderTimeout,
			MaxHeaderBytes:    servConfig.MaxHeaderBytes,
		},
		flip:         flip,
		config:       config,
		serverConfig: config.Server,
		cleanups:     make([]func(), 0),
	}

	if len(servConfig.LocalApiAllowHosts) > 0 {
		for _, host := range servConfig.LocalApiAllowHosts {
			localMatcher[host] = struct{}{}
		}
	}

	s.buildCacheStack()

	mux := s.newServeMux()

	next, err := s.buildEndpoint()
	if err != nil {
		panic(err)
	}

	fmtAddr := func(addr string) string {
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			return addr[:i]
		}
		return addr
	}

	s.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			s.tunnels.ServeConnect(w, r)
			return
		}

		host := fmtAddr(r.Host)
		if _, ok := localMatcher[host]; ok {
			mux.ServeHTTP(w, r)
			return
		}

		next(w, r)
	})

	return s
}

// buildCacheStack constructs the in-memory object store, disk mirror,
// server-side dispatcher and CONNECT handler from conf.Cache/conf.Tunnel,
// falling back to each package's defaults where a section is absent.
func (s *HTTPServer) buildCacheStack() {
	logger := log.DefaultLogger

	wm := chunkpool.DefaultWatermarks()
	gw := cacheobj.DefaultGrowthWatermarks()
	diskOpt := diskcache.DefaultOptions("./data/cache")
	policy := freshness.DefaultPolicy()
	srvOpt := serverside.DefaultOptions()
	clientOpt := clientside.DefaultOptions()
	var allowedPorts []int
	var tunnelDialTimeout = srvOpt.DialTimeout
	var parentProxy string

	if c := s.config.Cache; c != nil {
		if c.ChunkLowWater > 0 {
			wm.Low = c.ChunkLowWater
		}
		if c.ChunkCriticalWater > 0 {
			wm.Critical = c.ChunkCriticalWater
		}
		if c.ChunkHighWater > 0 {
			wm.High = c.ChunkHighWater
		}
		if c.ObjectLowWater > 0 {
			gw.PublicLow = c.ObjectLowWater
		}
		if c.ObjectHighWater > 0 {
			gw.High = c.ObjectHighWater
		}
		if c.DiskRoot != "" {
			diskOpt.Root = c.DiskRoot
		}
		if c.DiskIdleTime > 0 {
			diskOpt.IdleTime = c.DiskIdleTime
		}
		if c.MaxExpiresAge > 0 {
			policy.MaxExpiresAge = c.MaxExpiresAge
		}
		if c.MaxAge > 0 {
			policy.MaxAge = c.MaxAge
		}
		if c.MaxAgeFraction > 0 {
			policy.MaxAgeFraction = c.MaxAgeFraction
		}
		if c.MaxNoModifiedAge > 0 {
			policy.MaxNoModifiedAge = c.MaxNoModifiedAge
		}
		policy.MindlesslyCacheVary = c.MindlesslyVary
		policy.DontCacheCookies = c.DontCacheCookies
		policy.Shared = c.Shared
		clientOpt.VaryHeaders = c.VaryHeaders
		clientOpt.VaryLimit = c.VaryLimit
		if c.FuzzyRefresh > 0 {
			clientOpt.FuzzyRefresh = c.FuzzyRefresh
		}
		if c.FuzzyRefreshRate > 0 {
			clientOpt.FuzzyRefreshRate = c.FuzzyRefreshRate
		}
	}
	clientOpt.Policy = policy

	if t := s.config.Tunnel; t != nil {
		allowedPorts = t.AllowedPorts
		if t.DialTimeout > 0 {
			tunnelDialTimeout = t.DialTimeout
		}
		parentProxy = t.ParentProxy
	}

	s.pool = chunkpool.New(wm, logger)
	s.store = cacheobj.NewStore(s.pool, gw, logger)

	disk, err := diskcache.New(diskOpt, logger)
	if err != nil {
		panic(fmt.Errorf("failed to open disk cache at %s: %w", diskOpt.Root, err))
	}
	s.disk = disk
	s.cleanups = append(s.cleanups, func() { _ = s.disk.Close() })

	srvOpt.ParentProxy = parentProxy
	s.srv = serverside.New(srvOpt, logger)
	s.cleanups = append(s.cleanups, s.srv.Close)

	s.tunnels = tunnel.NewHandler(logger, allowedPorts)
	s.tunnels.DialTimeout = tunnelDialTimeout
	if parentProxy != "" {
		s.tunnels = s.tunnels.WithParentProxy(parentProxy, nil)
	}

	loop := evloop.New()
	loop.Run()
	s.cleanups = append(s.cleanups, loop.Stop)
	clientOpt.Loop = loop

	s.cacheDispatcher = clientside.New(clientOpt, s.pool, s.store, s.disk, s.srv, logger)
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.BaseContext = func(ln net.Listener) context.Context {
		return ctx
	}

	if err := s.listen(); err != nil {
		return err
	}

	log.Infof("HTTP cache server listening on %s", s.config.Server.Addr)

	if err := s.Serve(s.listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// listen opens (or, on a graceful-restart generation, inherits via
// flip) the listener the server will Serve on.
func (s *HTTPServer) listen() error {
	if s.flip != nil {
		ln, err := s.flip.Fds.Listen("tcp", s.Addr)
		if err != nil {
			return fmt.Errorf("failed to acquire listener on %s: %w", s.Addr, err)
		}
		s.listener = ln
		return s.flip.Ready()
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr, err)
	}
	s.listener = ln
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	var errs []error

	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, cleanup := range s.cleanups {
		cleanup()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *HTTPServer) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mod.HandlePProf(s.serverConfig.PProf, mux)
	mux.Handle("/favicon.ico", http.NotFoundHandler())
	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(runtime.BuildInfo)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := []byte("ok")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	xhttp.PrintRoutes(mux)

	return mux
}

// buildHandler is the cache's main entry point: RoundTrip against the
// cache dispatcher (through whatever middleware wraps it), then stream
// the response to the client.
func (s *HTTPServer) buildHandler(tripper http.RoundTripper) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		clog := log.Context(req.Context())
		var resp *http.Response
		var err error

		defer func() {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}()

		resp, err = tripper.RoundTrip(req)
		if err != nil {
			clog.Errorf("request %s %s failed: %s", req.Method, req.URL.Path, err)

			body := []byte(err.Error())
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write(body)

			requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(http.StatusInternalServerError)).Inc()
			return
		}

		cacheStatus := resp.Header.Get(constants.ProtocolCacheStatusKey)
		metrics.FromContext(req.Context()).CacheStatus = cacheStatus

		headers := w.Header()
		xhttp.CopyHeader(headers, resp.Header)
		xhttp.CopyTrailer(headers, resp.Trailer)

		w.WriteHeader(resp.StatusCode)

		if resp.Body == nil || req.Method == http.MethodHead {
			requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(resp.StatusCode)).Inc()
			cacheStatusTotal.WithLabelValues(cacheStatus).Inc()
			return
		}

		buf := bufPool.Get().(*[]byte)
		defer func() {
			_ = resp.Body.Close()
			bufPool.Put(buf)
			requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(resp.StatusCode)).Inc()
			cacheStatusTotal.WithLabelValues(cacheStatus).Inc()
		}()

		sent, copyErr := io.CopyBuffer(w, resp.Body, *buf)
		cacheBytesTotal.WithLabelValues(cacheStatus).Add(float64(sent))
		if copyErr != nil {
			clog.Errorf("failed to copy response body to client: [%s] %s %s sent=%d err=%s", req.Proto, req.Method, req.URL.Path, sent, copyErr)
		}
	}
}

func (s *HTTPServer) buildEndpoint() (http.HandlerFunc, error) {
	tripper, err := s.buildMiddlewareChain(s.cacheDispatcher)
	if err != nil {
		return nil, err
	}

	next := s.buildHandler(tripper)

	return mod.HandleAccessLog(s.serverConfig.AccessLog, next), nil
}

func (s *HTTPServer) buildMiddlewareChain(tripper http.RoundTripper) (http.RoundTripper, error) {
	middlewares := s.config.Server.Middleware

	global := s.globalOptions(make(map[string]any))

	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i].Name == "" {
			panic("middlewares name is empty, config file array index " + strconv.Itoa(i))
		}

		mwConf := middlewares[i]
		if mwConf != nil && len(mwConf.Options) > 0 {
			if err := mergo.Map(&mwConf.Options, global, mergo.WithOverride); err != nil {
				log.Warnf("failed to merge global options to middleware %s: %v", mwConf.Name, err)
			}
		}
		factory, cleanup, err := middleware.Create(mwConf)
		if err != nil {
			log.Warnf("failed to create middleware %s: %v", mwConf.Name, err)
			continue
		}

		s.cleanups = append(s.cleanups, cleanup)

		tripper = factory(tripper)
	}
	return tripper, nil
}

func (s *HTTPServer) globalOptions(src map[string]any) map[string]any {
	if s.config.Hostname != "" {
		src["hostname"] = s.config.Hostname
	}
	return src
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}
