// Package clientside is the request-facing half of the proxy: it
// decides per request whether the object store already holds a fresh
// copy, serves it directly when so, and otherwise dispatches to
// internal/serverside and populates the cache from the response as it
// streams to the client. It generalizes the teacher's single-shot
// RoundTripper-wrapping Lookup/PreRequest/PostRequest processor chain
// into a request pipeline sitting in front of the new object store.
package clientside

import (
	"bytes"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/adapters"
	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/internal/constants"
	"github.com/kestrelproxy/kestrel/internal/diskcache"
	"github.com/kestrelproxy/kestrel/internal/evloop"
	"github.com/kestrelproxy/kestrel/internal/freshness"
	"github.com/kestrelproxy/kestrel/internal/serverside"
	"github.com/kestrelproxy/kestrel/internal/streamio"
	"github.com/kestrelproxy/kestrel/internal/wire"
	"github.com/kestrelproxy/kestrel/pkg/atom"
	kestrelerrors "github.com/kestrelproxy/kestrel/pkg/errors"
	xhttp "github.com/kestrelproxy/kestrel/pkg/x/http"
	"github.com/kestrelproxy/kestrel/pkg/x/http/varycontrol"
)

// MethodPurge is the admin method that evicts a URL (or, with the
// X-Purge-Dir request header, every URL under a prefix) from the
// object store without waiting for it to expire naturally.
const MethodPurge = "PURGE"

// Cache status values mirrored onto the response's X-Cache-Status
// header, matching the teacher's storage.CacheStatus vocabulary,
// extended with the two revalidation outcomes a stale hit can have.
const (
	StatusHit            = "HIT"
	StatusMiss           = "MISS"
	StatusStale          = "STALE"
	StatusBypass         = "BYPASS"
	StatusRevalidateHit  = "REVALIDATE_HIT"
	StatusRevalidateMiss = "REVALIDATE_MISS"
)

// Options configures a Dispatcher.
type Options struct {
	Policy freshness.Policy

	// CollapseTimeout bounds how long a follower waits on the
	// serverside dispatcher's own singleflight group; kept for parity
	// with serverside.Options even though clientside always dispatches
	// with collapse=false itself (the object store's Make is the
	// collapse point now -- see Dispatcher.fetchAndStore).
	CollapseTimeout time.Duration

	// VaryHeaders lists request headers folded into the cache key when
	// a cached response previously declared them in its own Vary.
	VaryHeaders []string

	// VaryLimit bounds how many Vary-derived variants of one URL stay
	// resident at once; 0 disables the bound.
	VaryLimit int

	// FuzzyRefresh/FuzzyRefreshRate schedule a background revalidation
	// of a still-fresh object once it enters its last FuzzyRefresh
	// window before going stale, with probability FuzzyRefreshRate per
	// request that lands in that window. Either being zero disables
	// fuzzy refresh. Requires Loop.
	FuzzyRefresh     time.Duration
	FuzzyRefreshRate float64

	// Redirector, if set, is consulted before every request; a non-zero
	// RedirectDecision.Code short-circuits the request with that
	// response instead of reaching the cache or origin.
	Redirector adapters.Redirector

	// Loop, if set, runs background work (currently just fuzzy
	// refresh) off the request goroutine.
	Loop *evloop.Loop
}

// DefaultOptions matches freshness.DefaultPolicy with fuzzy refresh
// and Vary bounding disabled; a deployment opts into both explicitly.
func DefaultOptions() Options {
	return Options{
		Policy:          freshness.DefaultPolicy(),
		CollapseTimeout: 5 * time.Second,
		Redirector:      adapters.NewPassthroughRedirector(),
	}
}

// Dispatcher answers client requests from the object store when
// possible, and falls through to the server-side dispatcher (and
// populates the store/disk cache from what comes back) otherwise.
type Dispatcher struct {
	log   *log.Helper
	opt   Options
	pool  *chunkpool.Pool
	store *cacheobj.Store
	disk  *diskcache.Cache
	atoms *atom.Pool
	srv   *serverside.Dispatcher
}

// New constructs a Dispatcher over an already-built object store, disk
// cache, and server-side dispatcher.
func New(opt Options, pool *chunkpool.Pool, store *cacheobj.Store, disk *diskcache.Cache, srv *serverside.Dispatcher, logger log.Logger) *Dispatcher {
	if opt.Redirector == nil {
		opt.Redirector = adapters.NewPassthroughRedirector()
	}
	d := &Dispatcher{
		log:   log.NewHelper(logger),
		opt:   opt,
		pool:  pool,
		store: store,
		disk:  disk,
		atoms: atom.New(),
		srv:   srv,
	}
	store.SetWriteoutFunc(d.writeoutChunk)
	return d
}

// RoundTrip implements http.RoundTripper: it is the single entry point
// used by the HTTP server's handler chain.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	clog := log.Context(req.Context())

	if dec := d.opt.Redirector.Check(req); dec.Code != 0 {
		return d.renderRedirect(dec), nil
	}

	if req.Method == MethodPurge {
		return d.handlePurge(req)
	}

	// A write (or any other method we don't understand the semantics
	// of) must never be satisfied from a cached GET/HEAD response --
	// it always goes straight to the origin, and on success it
	// invalidates whatever this URL already has cached.
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return d.handleMutation(req)
	}

	key := ObjectKey(req, d.opt.VaryHeaders)

	obj, found := d.store.Find(key)
	if found {
		if obj.HasFlag(cacheobj.FlagInProgress) {
			clog.Debugf("clientside: joining in-flight fetch for %s", req.URL)
			return d.serveFollower(req, obj, StatusMiss)
		}

		defer d.store.Release(obj)

		if d.varyAcceptEncodingUnsupported(req, obj) {
			clog.Debugf("clientside: cached encoding unsupported by client's Accept-Encoding for %s, treating as miss", req.URL)
			// Supersede first: obj's key is otherwise unchanged, so
			// without this Store.Make would just dedup straight back
			// onto obj and serveFollower would hand back the same
			// mismatched encoding.
			d.store.Supersede(obj)
			return d.fetchAndStore(req, key, StatusMiss)
		}

		state := objectState(obj)
		now := time.Now()
		reqCC := freshness.ParseDirectives(req.Header.Get("Cache-Control"))

		if reqCC.OnlyIfCached && freshness.IsStale(state, d.opt.Policy, reqCC, now) {
			return nil, kestrelerrors.New(kestrelerrors.KindObjectNotInCache, 0, nil).WithMessage("only-if-cached request, cached entry is stale")
		}

		if !freshness.IsStale(state, d.opt.Policy, reqCC, now) {
			clog.Debugf("clientside: cache hit for %s", req.URL)
			d.maybeFuzzyRefresh(req, key, obj, state, now)
			return d.serveFromCache(req, obj, StatusHit)
		}

		clog.Debugf("clientside: cache entry stale for %s, revalidating", req.URL)
		return d.revalidate(req, key, obj)
	}

	return d.fetchAndStore(req, key, StatusMiss)
}

// handleMutation forwards a non-GET/HEAD request untouched and, on a
// successful write, purges whatever this URL has cached so the next
// read doesn't serve a response the write just made stale.
func (d *Dispatcher) handleMutation(req *http.Request) (*http.Response, error) {
	resp, err := d.dispatchBypass(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.store.Purge(req.URL.String(), cacheobj.PurgeControl{Hard: true})
	}
	return resp, nil
}

// handlePurge implements the PURGE admin method: X-Purge-Dir treats
// the request URL as a prefix rather than an exact match, and
// X-Purge-Soft marks matches stale instead of discarding them outright.
func (d *Dispatcher) handlePurge(req *http.Request) (*http.Response, error) {
	dir := req.Header.Get("X-Purge-Dir") != "" || strings.HasSuffix(req.URL.Path, "/")
	soft := req.Header.Get("X-Purge-Soft") != ""

	n := d.store.Purge(req.URL.String(), cacheobj.PurgeControl{
		Hard:        !soft,
		Dir:         dir,
		MarkExpired: soft,
	})

	body := []byte(strconv.Itoa(n))
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(constants.ProtocolCacheStatusKey, StatusBypass)

	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}, nil
}

func (d *Dispatcher) renderRedirect(dec adapters.RedirectDecision) *http.Response {
	header := make(http.Header)
	for k, v := range dec.ExtraHeaders {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Location", dec.NewURL)
	header.Set(constants.ProtocolCacheStatusKey, StatusBypass)

	body := []byte(dec.Message)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Content-Type", "text/plain; charset=utf-8")

	return &http.Response{
		StatusCode: dec.Code,
		Status:     strconv.Itoa(dec.Code) + " " + http.StatusText(dec.Code),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
}

// serveFollower waits for obj (already Found, hence already holding a
// reference released here) to leave FlagInProgress -- whether that's
// the leader's own fetch completing, or a revalidation it joined --
// then serves from it. If the leader aborted (non-cacheable status or
// upstream error), a follower doesn't inherit that failure: it issues
// its own bypass fetch instead, since the only thing that failed was
// caching, not the request itself.
func (d *Dispatcher) serveFollower(req *http.Request, obj *cacheobj.CachedObject, status string) (*http.Response, error) {
	defer d.store.Release(obj)

	done := make(chan int, 1)
	obj.WaitReady(func(st int, _ interface{}) bool {
		select {
		case done <- st:
		default:
		}
		return true
	})

	select {
	case st := <-done:
		if st < 0 {
			return d.dispatchBypass(req)
		}
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	return d.serveFromCache(req, obj, status)
}

// serveFromCache renders a cache hit into a response, filling any
// in-memory hole from disk first, and honoring a client Range request
// against the object's full body only when the cached status is 200
// (objects with any other status, 206 included, are served back whole).
func (d *Dispatcher) serveFromCache(req *http.Request, obj *cacheobj.CachedObject, status string) (*http.Response, error) {
	buf := make([]byte, obj.Size)
	n, hole := obj.ReadAt(buf, 0)
	if hole {
		if d.fillFromDisk(obj) {
			n, hole = obj.ReadAt(buf, 0)
		}
	}
	if hole {
		return nil, kestrelerrors.New(kestrelerrors.KindObjectNotInCache, 0, nil).WithMessage("cached object has a hole neither memory nor disk can fill")
	}
	body := buf[:n]

	header := decodeHeaders(obj.Headers.String())
	header.Set(constants.ProtocolCacheStatusKey, status)

	statusCode := obj.Code
	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" && obj.Code == http.StatusOK {
		statusCode, body = renderRange(header, body, rangeHeader)
	}

	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Accept-Ranges", "bytes")

	resp := &http.Response{
		StatusCode: statusCode,
		Status:     strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	return resp, nil
}

// renderRange slices body against a client Range header, returning a
// single 206 slice for one satisfiable range and a multipart/byteranges
// body (RFC 7233 section 4.1) when the client asked for more than one.
// An unsatisfiable or unparseable Range leaves body untouched and
// reports 200, matching the RFC's guidance to ignore a bad Range header
// rather than fail the request over it.
func renderRange(header http.Header, body []byte, rangeHeader string) (int, []byte) {
	ranges, err := xhttp.Parse(rangeHeader, uint64(len(body)))
	if err != nil || len(ranges) == 0 {
		return http.StatusOK, body
	}

	if len(ranges) == 1 {
		rng := ranges[0]
		header.Set("Content-Range", rng.ContentRange(uint64(len(body))))
		return http.StatusPartialContent, body[rng.Start : rng.End+1]
	}

	contentType := header.Get("Content-Type")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, rng := range ranges {
		part, perr := mw.CreatePart(rng.MimeHeader(contentType, uint64(len(body))))
		if perr != nil {
			continue
		}
		part.Write(body[rng.Start : rng.End+1])
	}
	boundary := mw.Boundary()
	mw.Close()

	header.Set("Content-Type", "multipart/byteranges; boundary="+boundary)
	return http.StatusPartialContent, buf.Bytes()
}

// revalidate reissues a stale hit's request with conditional headers
// added from obj's own validators. A 304 refreshes obj's metadata in
// place; any other cacheable status supersedes obj and re-fetches as
// a fresh leader; an upstream error falls back to serving the stale
// copy rather than failing the request outright. It does not release
// obj's reference -- the caller, which acquired it, owns that (either
// via RoundTrip's defer on the synchronous stale-hit path, or the
// fuzzy-refresh goroutine's own defer).
func (d *Dispatcher) revalidate(req *http.Request, key cacheobj.Key, obj *cacheobj.CachedObject) (*http.Response, error) {
	creq := req.Clone(req.Context())
	if obj.ETag != "" {
		creq.Header.Set("If-None-Match", obj.ETag)
	}
	if obj.LastModified >= 0 {
		creq.Header.Set("If-Modified-Since", time.Unix(obj.LastModified, 0).UTC().Format(http.TimeFormat))
	}

	obj.BeginValidating()

	resp, err := d.dispatchUpstream(creq)
	if err != nil {
		obj.EndValidating()
		d.log.Warnf("clientside: revalidation of %s failed, serving stale: %s", req.URL, err)
		return d.serveFromCache(req, obj, StatusStale)
	}

	if resp.StatusCode == http.StatusNotModified {
		_ = resp.Body.Close()
		obj.EndValidating()

		cc := freshness.ParseDirectives(resp.Header.Get("Cache-Control"))
		oc := cacheobj.CacheControl{
			NoCache:         cc.NoCache,
			NoStore:         cc.NoStore,
			NoTransform:     cc.NoTransform,
			Public:          cc.Public,
			Private:         cc.Private,
			MustRevalidate:  cc.MustRevalidate,
			ProxyRevalidate: cc.ProxyRevalidate,
			Vary:            obj.CacheControl.Vary,
			Cookie:          obj.CacheControl.Cookie,
			MaxAge:          cc.MaxAge,
			SMaxage:         cc.SMaxage,
		}
		expires := obj.Expires
		if exp := resp.Header.Get("Expires"); exp != "" {
			if t, perr := http.ParseTime(exp); perr == nil {
				expires = t.Unix()
			}
		}
		obj.RefreshValidators(time.Now().Unix(), resp.Header.Get("ETag"), oc, expires)

		return d.serveFromCache(req, obj, StatusRevalidateHit)
	}

	obj.EndValidating()

	if !isCacheableStatus(resp.StatusCode) {
		resp.Header.Set(constants.ProtocolCacheStatusKey, StatusBypass)
		return resp, nil
	}

	d.store.Supersede(obj)
	return d.fetchAndStore(req, key, StatusRevalidateMiss)
}

// maybeFuzzyRefresh probabilistically kicks off a background
// revalidation of obj once a fresh hit lands inside its last
// FuzzyRefresh window before going stale, so a client almost never
// observes the synchronous revalidation cost of the normal stale path.
func (d *Dispatcher) maybeFuzzyRefresh(req *http.Request, key cacheobj.Key, obj *cacheobj.CachedObject, state freshness.ObjectState, now time.Time) {
	if d.opt.Loop == nil || d.opt.FuzzyRefresh <= 0 || d.opt.FuzzyRefreshRate <= 0 {
		return
	}
	if obj.HasFlag(cacheobj.FlagValidating) {
		return
	}

	staleAt := freshness.StaleAt(state, d.opt.Policy, now)
	window := staleAt.Sub(now)
	if window <= 0 || window > d.opt.FuzzyRefresh {
		return
	}
	if rand.Float64() >= d.opt.FuzzyRefreshRate {
		return
	}

	// The synchronous caller releases its own reference to obj on
	// return; the background refresh needs one that outlives it, so it
	// takes a fresh one via Find rather than capturing obj directly.
	refObj, ok := d.store.Find(key)
	if !ok {
		return
	}

	creq := req.Clone(req.Context())
	// ScheduleTimer, not Poke: the scheduler goroutine must never
	// block, so the zero-delay timer only hands the actual (blocking)
	// revalidation fetch off to its own goroutine.
	d.opt.Loop.ScheduleTimer(0, func() {
		go func() {
			defer d.store.Release(refObj)
			resp, err := d.revalidate(creq, key, refObj)
			if err != nil {
				d.log.Warnf("clientside: fuzzy refresh of %s failed: %s", key.URL, err)
				return
			}
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
		}()
	})
}

// dispatchUpstream issues req against its origin with the object
// store's Make dedup as the sole collapse point; the serverside
// dispatcher's own singleflight group is never engaged from here.
func (d *Dispatcher) dispatchUpstream(req *http.Request) (*http.Response, error) {
	addr := req.URL.Host
	if addr == "" {
		addr = req.Host
	}
	if req.URL.Port() == "" {
		if req.URL.Scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	return d.srv.Do(req, addr, false, d.opt.CollapseTimeout)
}

func (d *Dispatcher) dispatchBypass(req *http.Request) (*http.Response, error) {
	resp, err := d.dispatchUpstream(req)
	if err != nil {
		return nil, err
	}
	resp.Header.Set(constants.ProtocolCacheStatusKey, StatusBypass)
	return resp, nil
}

// fetchAndStore makes (or joins) the object for key and, if it wins
// the race to create it, dispatches upstream and tees the response
// body into the store as it streams to the caller. A request carrying
// Authorization never shares its response through the public table --
// it gets a private, single-use object instead (RFC 7234 section 3.2).
func (d *Dispatcher) fetchAndStore(req *http.Request, key cacheobj.Key, status string) (*http.Response, error) {
	public := req.Header.Get("Authorization") == ""
	if public && key.VirtualKey != "" {
		d.store.EnforceVaryLimit(key.URL, d.opt.VaryLimit)
	}

	var leader bool
	obj := d.store.Make(key, public, func(o *cacheobj.CachedObject) {
		leader = true
	})

	if !leader {
		return d.serveFollower(req, obj, status)
	}

	resp, err := d.dispatchUpstream(req)
	if err != nil {
		d.store.Abort(obj, http.StatusBadGateway, err.Error())
		return nil, err
	}

	if !isCacheableStatus(resp.StatusCode) {
		d.store.Abort(obj, resp.StatusCode, "non-cacheable status")
		resp.Header.Set(constants.ProtocolCacheStatusKey, StatusBypass)
		return resp, nil
	}

	if varycontrol.ShouldUseVaryCache(req, resp) && !varyHeadersInclude(d.opt.VaryHeaders, "Accept-Encoding") {
		d.log.Warnf("clientside: %s varies by Accept-Encoding but VaryHeaders doesn't include it; mismatched encodings will be served as misses, not corruption", req.URL)
	}

	d.populateMetadata(obj, resp)
	resp.Body = newTeeIntoStore(d, obj, resp.Body, 0)
	resp.Header.Set(constants.ProtocolCacheStatusKey, status)
	return resp, nil
}

// varyAcceptEncodingUnsupported reports whether obj's cached
// Content-Encoding can't be decoded by req's Accept-Encoding. It only
// matters when the origin's Vary: Accept-Encoding wasn't mirrored into
// VaryHeaders -- otherwise ObjectKey already forked the cache key per
// encoding and two different encodings simply never collide.
func (d *Dispatcher) varyAcceptEncodingUnsupported(req *http.Request, obj *cacheobj.CachedObject) bool {
	if !obj.CacheControl.Vary || varyHeadersInclude(d.opt.VaryHeaders, "Accept-Encoding") {
		return false
	}
	header := decodeHeaders(obj.Headers.String())
	encoding := varycontrol.NormalizeContentEncoding(header.Get("Content-Encoding"))
	if encoding == "" {
		return false
	}
	accepted := varycontrol.GetRequestAcceptEncoding(req)
	return !varycontrol.SupportsEncoding(accepted, encoding)
}

func varyHeadersInclude(headers []string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func isCacheableStatus(code int) bool {
	switch code {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusPartialContent, http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone,
		http.StatusNotModified:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) populateMetadata(o *cacheobj.CachedObject, resp *http.Response) {
	o.Code = resp.StatusCode
	o.Message = d.atoms.InternString(http.StatusText(resp.StatusCode))

	// Headers are interned through wire.InternHeader (deduplicating
	// repeated values across objects via the shared atom pool) and
	// immediately flattened back out to the object's own Headers atom;
	// the intermediate InternedHeader is scratch, released once used.
	ih := wire.InternHeader(d.atoms, resp.Header)
	o.Headers = d.atoms.InternString(encodeHeaders(ih.ToHeader()))
	ih.Release(d.atoms)

	if length := resp.Header.Get("Content-Length"); length != "" {
		if n, err := strconv.ParseInt(length, 10, 64); err == nil {
			o.Length = n
		}
	}
	o.ETag = resp.Header.Get("ETag")
	o.Date = time.Now().Unix()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			o.LastModified = t.Unix()
		}
	}

	cc := freshness.ParseDirectives(resp.Header.Get("Cache-Control"))
	expires := int64(-1)
	if exp := resp.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			expires = t.Unix()
		}
	}
	o.Expires = expires
	o.CacheControl = cacheobj.CacheControl{
		NoCache:         cc.NoCache,
		NoStore:         cc.NoStore,
		NoTransform:     cc.NoTransform,
		Public:          cc.Public,
		Private:         cc.Private,
		MustRevalidate:  cc.MustRevalidate,
		ProxyRevalidate: cc.ProxyRevalidate,
		Vary:            resp.Header.Get("Vary") != "",
		Cookie:          resp.Header.Get("Set-Cookie") != "",
		MaxAge:          cc.MaxAge,
		SMaxage:         cc.SMaxage,
	}
}

// diskEntryFor opens obj's existing disk entry, or creates one from
// its current response metadata if this is the first time anything
// has tried to mirror it to disk.
func (d *Dispatcher) diskEntryFor(obj *cacheobj.CachedObject) (*diskcache.Entry, error) {
	if entry, err := d.disk.Open(obj.Key.URL); err == nil {
		return entry, nil
	}
	return d.disk.Store(obj.Key.URL, statusLine(obj.Code), decodeHeaders(obj.Headers.String()), obj.Length)
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

// writeoutUpTo mirrors obj's bytes up to upto to disk. Private
// objects and non-HTTP keys (local files, served straight off disk
// already) have no disk mirror to maintain.
func (d *Dispatcher) writeoutUpTo(obj *cacheobj.CachedObject, upto int64) bool {
	if !obj.HasFlag(cacheobj.FlagPublic) || obj.Key.Type != cacheobj.KeyHTTP {
		return false
	}
	entry, err := d.diskEntryFor(obj)
	if err != nil {
		d.log.Warnf("clientside: disk writeout for %s unavailable: %s", obj.Key.URL, err)
		return false
	}
	if _, err := d.disk.Writeout(entry, obj, upto, 0); err != nil {
		d.log.Warnf("clientside: disk writeout for %s failed: %s", obj.Key.URL, err)
		return false
	}
	return true
}

// writeoutChunk adapts the object store's discardObjects sweep (which
// thinks in chunk indices) to writeoutUpTo (which thinks in byte
// offsets); it's registered with Store.SetWriteoutFunc in New.
func (d *Dispatcher) writeoutChunk(obj *cacheobj.CachedObject, chunkIdx int) bool {
	return d.writeoutUpTo(obj, int64(chunkIdx+1)*chunkpool.ChunkSize)
}

// fillFromDisk attempts to patch memory holes in obj from its disk
// mirror. PlanChunks splits the object's full chunk range into the
// already-resident runs and the missing ones so only the missing runs
// are ever asked of disk; an object with no holes at all (the common
// case for anything still fully in memory) costs nothing beyond the
// FullyPresent check.
func (d *Dispatcher) fillFromDisk(obj *cacheobj.CachedObject) bool {
	if !obj.HasFlag(cacheobj.FlagPublic) || obj.Key.Type != cacheobj.KeyHTTP {
		return false
	}

	chunkCount := int((obj.Size + chunkpool.ChunkSize - 1) / chunkpool.ChunkSize)
	if chunkCount == 0 {
		return false
	}
	present := obj.PresentBitmap()
	if streamio.FullyPresent(0, uint32(chunkCount-1), present) {
		return false
	}

	entry, err := d.disk.Open(obj.Key.URL)
	if err != nil {
		return false
	}

	var filledAny bool
	for _, blk := range streamio.PlanChunks(0, uint32(chunkCount-1), present) {
		if blk.Hit {
			continue
		}
		offset := int64(blk.First) * chunkpool.ChunkSize
		n := int(blk.Last-blk.First) + 1
		ok, err := d.disk.FillFromDisk(d.pool, entry, obj, offset, n)
		if err != nil {
			d.log.Warnf("clientside: disk fill for %s chunks [%d,%d] failed: %s", obj.Key.URL, blk.First, blk.Last, err)
			continue
		}
		filledAny = filledAny || ok
	}
	return filledAny
}

func objectState(obj *cacheobj.CachedObject) freshness.ObjectState {
	state := freshness.ObjectState{
		ResponseCC: freshness.Directives{
			NoCache:         obj.CacheControl.NoCache,
			NoStore:         obj.CacheControl.NoStore,
			Public:          obj.CacheControl.Public,
			Private:         obj.CacheControl.Private,
			MustRevalidate:  obj.CacheControl.MustRevalidate,
			ProxyRevalidate: obj.CacheControl.ProxyRevalidate,
			MaxAge:          obj.CacheControl.MaxAge,
			SMaxage:         obj.CacheControl.SMaxage,
		},
		HasVary:            obj.CacheControl.Vary,
		HasCookie:          obj.CacheControl.Cookie,
		HasServerDirective: obj.CacheControl.MaxAge >= 0 || obj.CacheControl.SMaxage >= 0 || obj.CacheControl.NoCache || obj.CacheControl.NoStore,
	}
	if obj.Date >= 0 {
		state.Date = time.Unix(obj.Date, 0)
	}
	if obj.LastModified >= 0 {
		state.HasLastModified = true
		state.LastModified = time.Unix(obj.LastModified, 0)
	}
	if obj.Expires >= 0 {
		state.HasExpires = true
		state.Expires = time.Unix(obj.Expires, 0)
	}
	return state
}
