// Package chunkpool implements the fixed-size chunk allocator backing the
// in-memory portion of the cache: objects are built from chunks rather
// than individually sized allocations, so eviction can reclaim space one
// chunk at a time without fragmenting the heap.
package chunkpool

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/bitmap"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

// ChunkSize is the fixed size of a single chunk, matching the page size
// used throughout the cache's in-memory representation.
const ChunkSize = 4096

// chunksPerArena bounds how much contiguous memory backs a single arena;
// arenas are allocated lazily and released entirely once empty.
const chunksPerArena = 1024

// ChunkRef identifies a chunk: which arena it lives in and its index
// within that arena. The zero value is not a valid reference.
type ChunkRef struct {
	arena *arena
	index uint32
}

// Bytes returns the backing storage for this chunk.
func (c ChunkRef) Bytes() []byte {
	off := int(c.index) * ChunkSize
	return c.arena.mem[off : off+ChunkSize]
}

// arena's free set is the allocator itself: a set bit is a free slot, and
// alloc always takes the lowest one. This keeps one bookkeeping
// structure instead of a bitmap mirrored by a separate freelist stack.
type arena struct {
	mem   []byte
	free  bitmap.Bitmap
	inUse int
}

func newArena() *arena {
	a := &arena{mem: make([]byte, chunksPerArena*ChunkSize)}
	for i := uint32(0); i < chunksPerArena; i++ {
		a.free.Set(i)
	}
	return a
}

func (a *arena) empty() bool {
	return a.inUse == 0
}

func (a *arena) alloc() (uint32, bool) {
	idx, ok := a.free.Min()
	if !ok {
		return 0, false
	}
	a.free.Remove(idx)
	a.inUse++
	return idx, true
}

func (a *arena) release(idx uint32) {
	a.free.Set(idx)
	a.inUse--
}

// Watermarks configure eviction pressure points, all measured in chunks.
type Watermarks struct {
	Low      uint64
	Critical uint64
	High     uint64
}

// DefaultWatermarks sizes the pool for roughly 256 MiB of chunk memory.
func DefaultWatermarks() Watermarks {
	return Watermarks{
		Low:      32 * 1024,
		Critical: 48 * 1024,
		High:     64 * 1024,
	}
}

// Pool is the chunk allocator. The zero value is not usable; use New.
type Pool struct {
	log *log.Helper
	wm  Watermarks

	mu     sync.Mutex
	arenas []*arena

	used int64 // atomic

	discardPending int32 // atomic, 0/1 guard so at most one discard is outstanding
	discardFn      func(force bool)
	evictFn        func() bool // synchronous eviction hook used by GetChunk when at High
}

// New returns a Pool governed by wm.
func New(wm Watermarks, logger log.Logger) *Pool {
	return &Pool{
		log: log.NewHelper(logger),
		wm:  wm,
	}
}

// SetDiscardFunc registers the callback invoked (from its own goroutine,
// never reentrant) when the low watermark is crossed upward. This is the
// Go-idiom substitute for scheduling a zero-delay timer event: the actual
// discardObjects sweep lives in internal/cacheobj, which owns the object
// LRU this pool does not know about.
func (p *Pool) SetDiscardFunc(fn func(force bool)) {
	p.mu.Lock()
	p.discardFn = fn
	p.mu.Unlock()
}

// SetEvictFunc registers a synchronous eviction hook run by GetChunk when
// usage is at or above High before allocating; it should free at least
// one chunk synchronously (or return false if it made no progress).
func (p *Pool) SetEvictFunc(fn func() bool) {
	p.mu.Lock()
	p.evictFn = fn
	p.mu.Unlock()
}

// Used returns the current number of in-use chunks.
func (p *Pool) Used() uint64 {
	return uint64(atomic.LoadInt64(&p.used))
}

// Watermarks returns the configured watermark thresholds.
func (p *Pool) Watermarks() Watermarks { return p.wm }

// GetChunk allocates a chunk, triggering synchronous eviction if usage is
// at or beyond High. Returns ok=false if no chunk could be found even
// after eviction.
func (p *Pool) GetChunk() (ChunkRef, bool) {
	if p.Used() >= p.wm.High {
		p.mu.Lock()
		evictFn := p.evictFn
		p.mu.Unlock()
		if evictFn != nil {
			evictFn()
		}
		if p.Used() >= p.wm.High {
			return ChunkRef{}, false
		}
	}
	return p.getChunk()
}

// MaybeGetChunk allocates a chunk without ever triggering eviction.
func (p *Pool) MaybeGetChunk() (ChunkRef, bool) {
	return p.getChunk()
}

func (p *Pool) getChunk() (ChunkRef, bool) {
	p.mu.Lock()
	var ref ChunkRef
	found := false
	for _, a := range p.arenas {
		if idx, ok := a.alloc(); ok {
			ref = ChunkRef{arena: a, index: idx}
			found = true
			break
		}
	}
	if !found {
		a := newArena()
		idx, _ := a.alloc()
		p.arenas = append(p.arenas, a)
		ref = ChunkRef{arena: a, index: idx}
		found = true
	}
	p.mu.Unlock()

	if !found {
		return ChunkRef{}, false
	}

	used := atomic.AddInt64(&p.used, 1)
	p.maybeScheduleDiscard(uint64(used))
	return ref, true
}

func (p *Pool) maybeScheduleDiscard(used uint64) {
	if used < p.wm.Low {
		return
	}
	if !atomic.CompareAndSwapInt32(&p.discardPending, 0, 1) {
		return
	}
	p.mu.Lock()
	fn := p.discardFn
	p.mu.Unlock()
	if fn == nil {
		atomic.StoreInt32(&p.discardPending, 0)
		return
	}
	force := used >= p.wm.Critical
	go func() {
		defer atomic.StoreInt32(&p.discardPending, 0)
		fn(force)
	}()
}

// DisposeChunk returns c to its arena and decrements Used.
func (p *Pool) DisposeChunk(c ChunkRef) {
	p.mu.Lock()
	c.arena.release(c.index)
	p.mu.Unlock()
	atomic.AddInt64(&p.used, -1)
}

// FreeChunkArenas unmaps any arena whose bitmap is fully free, releasing
// its backing memory to the GC.
func (p *Pool) FreeChunkArenas() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.arenas[:0]
	released := 0
	for _, a := range p.arenas {
		if a.empty() {
			released++
			continue
		}
		kept = append(kept, a)
	}
	p.arenas = kept
	if released > 0 {
		p.log.Debugf("chunkpool: released %d empty arenas", released)
	}
	return released
}
