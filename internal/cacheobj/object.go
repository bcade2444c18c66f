// Package cacheobj implements the in-memory CachedObject representation
// and the object store that owns its lifecycle: lookup, creation,
// privatisation, abort, supersede, and waiter notification.
package cacheobj

import (
	"sync"

	"github.com/kelindar/bitmap"

	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/pkg/atom"
	"github.com/kestrelproxy/kestrel/pkg/errors"
)

// Flags is the CachedObject state bitset.
type Flags uint32

const (
	FlagPublic Flags = 1 << iota
	FlagInitial
	FlagInProgress
	FlagValidating
	FlagFailed
	FlagAborted
	FlagLocal
	FlagLinear
	FlagSuperseded
	FlagMutating
	FlagDynamic
	FlagDiskEntryComplete
	FlagCacheVary
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// KeyType distinguishes an HTTP-origin object from a locally served file.
type KeyType int

const (
	KeyHTTP KeyType = iota
	KeyLocalFile
)

// Key identifies a CachedObject: its type plus the byte-string URL (or
// local path) it was fetched/served from, optionally refined by a Vary
// virtual-key suffix.
type Key struct {
	Type       KeyType
	URL        string
	VirtualKey string // derived from Vary-selected request headers; "" if not varying
}

// chunkSlot is one entry in the sparse chunk vector: either present (data
// held in memory) or absent (only on disk).
type chunkSlot struct {
	ref     chunkpool.ChunkRef
	present bool
	size    int // valid bytes in this chunk, <= chunkpool.ChunkSize
	locks   int32
}

// CacheControl mirrors the response's parsed Cache-Control directives.
type CacheControl struct {
	NoCache        bool
	NoStore        bool
	NoTransform    bool
	Public         bool
	Private        bool
	MustRevalidate bool
	ProxyRevalidate bool
	Vary           bool
	Cookie         bool
	Authorization  bool
	Mismatch       bool
	MaxAge         int64 // -1 unset
	SMaxage        int64 // -1 unset
}

// CachedObject is the central cache entity: metadata plus a sparse vector
// of in-memory chunks, with disk mirroring handled by internal/diskcache.
type CachedObject struct {
	mu sync.Mutex

	Key Key

	chunks []chunkSlot
	Length int64 // -1 if unknown
	Size   int64 // highest valid offset observed

	Code    int
	Message atom.Atom
	Headers atom.Atom

	ETag         string
	LastModified int64
	Date         int64
	Age          int64
	Expires      int64
	CacheControl CacheControl
	ATime        int64

	Flags Flags

	refcount  int32
	Requestor interface{} // *HTTPRequest cross-link, left untyped to avoid an import cycle with clientside

	cond *Condition

	DiskEntry DiskEntryRef

	// lruElem is opaque state the Store's container/list.Element uses;
	// stored here rather than in a side map so Find/Make stay O(1).
	lruElem interface{}
}

// DiskEntryRef is a minimal handle into the disk-open-FD LRU; the real
// structure lives in internal/diskcache but objects keep a pointer so
// privatise/supersede can unlink it without an import cycle.
type DiskEntryRef interface {
	Unlink()
}

func newObject(key Key) *CachedObject {
	return &CachedObject{
		Key:          key,
		Length:       -1,
		LastModified: -1,
		Date:         -1,
		Age:          -1,
		Expires:      -1,
		CacheControl: CacheControl{MaxAge: -1, SMaxage: -1},
		Flags:        FlagInitial | FlagInProgress,
		refcount:     1,
		cond:         newCondition(),
	}
}

// Refcount returns the current reference count.
func (o *CachedObject) Refcount() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcount
}

func (o *CachedObject) incref() {
	o.mu.Lock()
	o.refcount++
	o.mu.Unlock()
}

// Condition returns the waiter-notification primitive attached to o.
func (o *CachedObject) Condition() *Condition { return o.cond }

// HasFlag reports whether bit is set, taking o's lock so a concurrent
// reader never observes a torn update from the fetch goroutine.
func (o *CachedObject) HasFlag(bit Flags) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Flags.Has(bit)
}

// MarkComplete records the final body length and clears FlagInProgress
// once every byte has arrived from upstream (or disk, on a fill).
func (o *CachedObject) MarkComplete(length int64) {
	o.mu.Lock()
	o.Flags &^= FlagInProgress
	o.Length = length
	o.mu.Unlock()
}

// MarkDiskComplete sets FlagDiskEntryComplete. Only internal/diskcache
// calls this, once its own entry.size reaches the object's Length.
func (o *CachedObject) MarkDiskComplete() {
	o.mu.Lock()
	o.Flags |= FlagDiskEntryComplete
	o.mu.Unlock()
}

// WaitReady invokes handler once o stops being in progress: immediately
// if it already isn't, otherwise once its Condition next signals. A
// handler registered via cond.Wait alone can miss the signal entirely
// if the fetch completes in the window between this call checking
// FlagInProgress and actually registering (Condition queues handlers
// registered mid-Signal for the *next* Signal, which for a one-shot
// fetch may never come); re-checking after registering closes that
// window by invoking handler directly when the recheck finds the
// object already done. A legitimate later Signal may then invoke
// handler a second time -- callers must tolerate that (e.g. a
// buffered, non-blocking channel send that only reads once).
func (o *CachedObject) WaitReady(handler Handler) {
	if !o.HasFlag(FlagInProgress) {
		handler(o.readyStatus(), nil)
		return
	}
	o.cond.Wait(handler, nil)
	if !o.HasFlag(FlagInProgress) {
		handler(o.readyStatus(), nil)
	}
}

func (o *CachedObject) readyStatus() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Flags.Has(FlagAborted) {
		return -1
	}
	return o.Code
}

// BeginValidating sets FlagValidating, marking a conditional
// revalidation request in flight against this already-resident object.
func (o *CachedObject) BeginValidating() {
	o.mu.Lock()
	o.Flags |= FlagValidating
	o.mu.Unlock()
}

// EndValidating clears FlagValidating once a revalidation attempt --
// a 304, a Supersede, or an abandoned fetch -- has run its course.
func (o *CachedObject) EndValidating() {
	o.mu.Lock()
	o.Flags &^= FlagValidating
	o.mu.Unlock()
}

// RefreshValidators updates the freshness-relevant fields a 304 is
// allowed to carry without replacing the body. etag is left untouched
// when the 304 didn't repeat one, matching RFC 7232 section 4.1.
func (o *CachedObject) RefreshValidators(date int64, etag string, cc CacheControl, expires int64) {
	o.mu.Lock()
	o.Date = date
	if etag != "" {
		o.ETag = etag
	}
	o.CacheControl = cc
	o.Expires = expires
	o.mu.Unlock()
}

// PresentBitmap returns a snapshot of which chunk indices currently hold
// resident (in-memory) data, for streamio.PlanChunks-style hit/miss
// planning against the disk mirror.
func (o *CachedObject) PresentBitmap() bitmap.Bitmap {
	o.mu.Lock()
	defer o.mu.Unlock()
	var bm bitmap.Bitmap
	for i := range o.chunks {
		if o.chunks[i].present {
			bm.Set(uint32(i))
		}
	}
	return bm
}

// SetChunks grows the sparse chunk vector to cover at least n chunks; it
// never shrinks, matching the append-only growth policy of the object
// store chunk vector.
func (o *CachedObject) SetChunks(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.chunks) >= n {
		return
	}
	grown := make([]chunkSlot, n)
	copy(grown, o.chunks)
	o.chunks = grown
}

// AddData writes bytes into the chunk(s) covering [offset, offset+len),
// allocating chunks from pool as needed. It bounds-checks against
// Length when Length is known.
func (o *CachedObject) AddData(pool *chunkpool.Pool, data []byte, offset int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Length >= 0 && offset+int64(len(data)) > o.Length {
		return errors.New(errors.KindInternalInvariant, 0, nil).WithMessage("add_data past length")
	}

	remaining := data
	pos := offset
	for len(remaining) > 0 {
		idx := int(pos / chunkpool.ChunkSize)
		within := int(pos % chunkpool.ChunkSize)

		if idx >= len(o.chunks) {
			grown := make([]chunkSlot, idx+1)
			copy(grown, o.chunks)
			o.chunks = grown
		}
		slot := &o.chunks[idx]
		if !slot.present {
			ref, ok := pool.GetChunk()
			if !ok {
				return errors.New(errors.KindAllocFail, 0, nil).WithMessage("chunk allocator exhausted")
			}
			slot.ref = ref
			slot.present = true
			slot.size = 0
		}

		n := chunkpool.ChunkSize - within
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(slot.ref.Bytes()[within:within+n], remaining[:n])
		if within+n > slot.size {
			slot.size = within + n
		}

		pos += int64(n)
		remaining = remaining[n:]
	}

	if pos > o.Size {
		o.Size = pos
	}
	return nil
}

// HoleSize returns how many contiguous bytes from offset onward are
// missing in memory, or -1 if offset is at or past Size.
func (o *CachedObject) HoleSize(offset int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offset >= o.Size {
		return -1
	}

	idx := int(offset / chunkpool.ChunkSize)
	within := int(offset % chunkpool.ChunkSize)
	if idx >= len(o.chunks) || !o.chunks[idx].present {
		// entire rest, up to next present chunk, is a hole
		hole := int64(chunkpool.ChunkSize - within)
		for j := idx + 1; j < len(o.chunks) && !o.chunks[j].present; j++ {
			hole += chunkpool.ChunkSize
		}
		return hole
	}
	if within < o.chunks[idx].size {
		return 0
	}
	return int64(chunkpool.ChunkSize - within)
}

// ReadAt copies up to len(p) bytes starting at off from in-memory chunks
// only. It returns the number of bytes copied and whether the read ran
// into a hole (data not resident in memory) before filling p.
func (o *CachedObject) ReadAt(p []byte, off int64) (n int, hitHole bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pos := off
	for n < len(p) {
		idx := int(pos / chunkpool.ChunkSize)
		within := int(pos % chunkpool.ChunkSize)
		if idx >= len(o.chunks) || !o.chunks[idx].present || within >= o.chunks[idx].size {
			return n, true
		}
		slot := &o.chunks[idx]
		avail := slot.size - within
		want := len(p) - n
		if want > avail {
			want = avail
		}
		copy(p[n:n+want], slot.ref.Bytes()[within:within+want])
		n += want
		pos += int64(want)
	}
	return n, false
}

// LockChunk/UnlockChunk guard a chunk against eviction while it is being
// read or streamed out to a client.
func (o *CachedObject) LockChunk(idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx < len(o.chunks) {
		o.chunks[idx].locks++
	}
}

func (o *CachedObject) UnlockChunk(idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx < len(o.chunks) && o.chunks[idx].locks > 0 {
		o.chunks[idx].locks--
	}
}

// EvictableChunks returns the indices of fully-filled, unlocked,
// in-memory chunks, which discardObjects may write out and free.
func (o *CachedObject) EvictableChunks() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []int
	for i := range o.chunks {
		s := &o.chunks[i]
		if s.present && s.locks == 0 && s.size == chunkpool.ChunkSize {
			out = append(out, i)
		}
	}
	return out
}

// FreeChunk disposes the in-memory chunk at idx back to pool, marking the
// slot absent (data now lives on disk only).
func (o *CachedObject) FreeChunk(pool *chunkpool.Pool, idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx >= len(o.chunks) || !o.chunks[idx].present {
		return
	}
	pool.DisposeChunk(o.chunks[idx].ref)
	o.chunks[idx] = chunkSlot{}
}

// ChunkCount returns the number of resident (in-memory) chunks.
func (o *CachedObject) ChunkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := range o.chunks {
		if o.chunks[i].present {
			n++
		}
	}
	return n
}
