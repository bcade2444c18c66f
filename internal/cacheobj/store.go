package cacheobj

import (
	"container/list"
	"strings"
	"sync"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/pkg/atom"
)

// GrowthWatermarks bounds the object table the way chunkpool.Watermarks
// bounds chunk memory: counted in objects rather than chunks.
type GrowthWatermarks struct {
	PublicLow uint64
	High      uint64
}

// DefaultGrowthWatermarks sizes the table for a few hundred thousand
// live objects before eviction pressure kicks in.
func DefaultGrowthWatermarks() GrowthWatermarks {
	return GrowthWatermarks{PublicLow: 200_000, High: 400_000}
}

// MakeFunc lazily populates a newly created object -- issuing the
// upstream fetch or disk load that will eventually call AddData/SetChunks
// on it. It runs with the store unlocked.
type MakeFunc func(o *CachedObject)

// Store is the hash table of public objects plus the all-objects LRU
// used for eviction sweeps (discardObjects).
type Store struct {
	log  *log.Helper
	pool *chunkpool.Pool
	wm   GrowthWatermarks

	mu      sync.Mutex
	public  map[Key]*list.Element // public objects only, keyed for find()
	lru     *list.List            // all objects (public + private), MRU at front
	objects map[*CachedObject]*list.Element

	// varyIndex tracks, per base URL, the keys of its Vary-derived child
	// objects in creation order, oldest first, so EnforceVaryLimit can
	// evict the oldest once a base URL has too many variants resident.
	varyIndex map[string][]Key

	discardScheduled bool

	// writeoutFn persists chunk idx of obj to disk, reporting success
	// before discardObjects frees the in-memory copy. Wired by
	// internal/diskcache via SetWriteoutFunc to avoid an import cycle.
	writeoutFn func(obj *CachedObject, chunkIdx int) bool
}

// SetWriteoutFunc registers the disk-writeout hook used by discardObjects
// before freeing a chunk under memory pressure.
func (s *Store) SetWriteoutFunc(fn func(obj *CachedObject, chunkIdx int) bool) {
	s.mu.Lock()
	s.writeoutFn = fn
	s.mu.Unlock()
}

// NewStore returns a Store backed by pool for chunk allocation. pool's
// discard hook is wired to this Store's discardObjects sweep.
func NewStore(pool *chunkpool.Pool, wm GrowthWatermarks, logger log.Logger) *Store {
	s := &Store{
		log:     log.NewHelper(logger),
		pool:    pool,
		wm:      wm,
		public:    make(map[Key]*list.Element),
		lru:       list.New(),
		objects:   make(map[*CachedObject]*list.Element),
		varyIndex: make(map[string][]Key),
	}
	pool.SetDiscardFunc(s.discardObjects)
	pool.SetEvictFunc(func() bool { return s.evictOne() })
	return s
}

// Find looks up a public object by key. On hit it promotes the object to
// the LRU head and increments its refcount.
func (s *Store) Find(key Key) (*CachedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.public[key]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(elem)
	obj := elem.Value.(*CachedObject)
	obj.incref()
	return obj, true
}

// Make returns the existing public object for key, or creates one and
// invokes makeFn to populate it. public=false creates a private
// (linear, single-use) object instead, used for Authorization requests.
func (s *Store) Make(key Key, public bool, makeFn MakeFunc) *CachedObject {
	if public {
		if obj, ok := s.Find(key); ok {
			return obj
		}
	}

	s.mu.Lock()
	if public {
		if elem, ok := s.public[key]; ok {
			s.lru.MoveToFront(elem)
			obj := elem.Value.(*CachedObject)
			obj.incref()
			s.mu.Unlock()
			return obj
		}
		if uint64(len(s.objects)) >= s.wm.High {
			s.mu.Unlock()
			s.evictOne()
			s.mu.Lock()
		}
	}

	obj := newObject(key)
	if public {
		obj.Flags |= FlagPublic
	} else {
		obj.Flags |= FlagLinear
	}
	elem := s.lru.PushFront(obj)
	s.objects[obj] = elem
	if public {
		s.public[key] = elem
	}
	s.mu.Unlock()

	if public && key.VirtualKey != "" {
		s.recordVaryChild(key.URL, key)
	}

	if makeFn != nil {
		makeFn(obj)
	}
	return obj
}

// recordVaryChild appends key to baseURL's Vary-child history.
func (s *Store) recordVaryChild(baseURL string, key Key) {
	s.mu.Lock()
	s.varyIndex[baseURL] = append(s.varyIndex[baseURL], key)
	s.mu.Unlock()
}

// EnforceVaryLimit privatises baseURL's oldest Vary child objects until
// fewer than limit remain, making room for one more to be created. A
// limit of 0 disables the bound.
func (s *Store) EnforceVaryLimit(baseURL string, limit int) {
	if limit <= 0 {
		return
	}

	s.mu.Lock()
	children := s.varyIndex[baseURL]
	var evict []Key
	for len(children) >= limit {
		evict = append(evict, children[0])
		children = children[1:]
	}
	s.varyIndex[baseURL] = children
	s.mu.Unlock()

	for _, k := range evict {
		if obj, ok := s.Find(k); ok {
			s.Privatise(obj, false)
			s.Release(obj)
		}
	}
}

// Release drops one reference; on reaching zero with no PUBLIC flag the
// object is destroyed (removed from the LRU, its chunks freed).
func (s *Store) Release(o *CachedObject) {
	o.mu.Lock()
	o.refcount--
	refs := o.refcount
	public := o.Flags.Has(FlagPublic)
	o.mu.Unlock()

	if refs <= 0 && !public {
		s.destroy(o)
	}
}

func (s *Store) destroy(o *CachedObject) {
	s.mu.Lock()
	elem, ok := s.objects[o]
	if ok {
		s.lru.Remove(elem)
		delete(s.objects, o)
		if pe, pok := s.public[o.Key]; pok && pe.Value.(*CachedObject) == o {
			delete(s.public, o.Key)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	o.mu.Lock()
	for i := range o.chunks {
		if o.chunks[i].present {
			s.pool.DisposeChunk(o.chunks[i].ref)
		}
	}
	o.chunks = nil
	if o.DiskEntry != nil {
		o.DiskEntry.Unlink()
	}
	o.mu.Unlock()
}

// Privatise removes o from the public table, discards any unlocked
// chunks, and drops a reference -- destroying o if that was the last one.
func (s *Store) Privatise(o *CachedObject, linear bool) {
	s.mu.Lock()
	if elem, ok := s.public[o.Key]; ok {
		if elem.Value.(*CachedObject) == o {
			delete(s.public, o.Key)
		}
	}
	s.mu.Unlock()

	o.mu.Lock()
	o.Flags &^= FlagPublic
	if linear {
		o.Flags |= FlagLinear
	}
	for i := range o.chunks {
		if o.chunks[i].present && o.chunks[i].locks == 0 {
			s.pool.DisposeChunk(o.chunks[i].ref)
			o.chunks[i] = chunkSlot{}
		}
	}
	o.mu.Unlock()

	s.Release(o)
}

// Abort marks o as failed with code/msg, clears in-flight flags, forces
// Length to 0, privatises it, and signals waiters with an error status.
func (s *Store) Abort(o *CachedObject, code int, msg string) {
	o.mu.Lock()
	o.Flags |= FlagAborted
	o.Flags &^= FlagInitial | FlagValidating | FlagInProgress
	o.Code = code
	o.Message = atom.InternString(msg)
	o.Length = 0
	o.mu.Unlock()

	o.cond.Abort()
	s.Privatise(o, false)
}

// PurgeControl mirrors the teacher's storage.PurgeControl: Hard
// destroys matched objects outright, Dir treats urlOrPrefix as a
// directory prefix rather than an exact URL, and MarkExpired (when Hard
// is false) soft-purges by forcing the object stale instead of
// discarding its body.
type PurgeControl struct {
	Hard        bool
	Dir         bool
	MarkExpired bool
}

// Purge removes every public object matching urlOrPrefix -- an exact
// URL match, or every object whose URL has urlOrPrefix as a prefix when
// typ.Dir is set -- and reports how many matched. A soft purge
// (typ.MarkExpired, typ.Hard false) leaves the object's body resident
// but forces it stale so the next request revalidates; every other
// combination privatises (and, once unreferenced, destroys) it.
func (s *Store) Purge(urlOrPrefix string, typ PurgeControl) int {
	s.mu.Lock()
	var matched []*CachedObject
	for key, elem := range s.public {
		if typ.Dir {
			if !strings.HasPrefix(key.URL, urlOrPrefix) {
				continue
			}
		} else if key.URL != urlOrPrefix {
			continue
		}
		matched = append(matched, elem.Value.(*CachedObject))
	}
	s.mu.Unlock()

	for _, obj := range matched {
		if typ.MarkExpired && !typ.Hard {
			obj.mu.Lock()
			obj.Date = 0
			obj.Expires = 0
			obj.mu.Unlock()
			continue
		}
		s.Privatise(obj, false)
	}
	return len(matched)
}

// Supersede marks o SUPERSEDED, unlinks its disk entry, privatises it,
// and signals waiters -- used when a fresher response replaces a
// still-being-served stale object.
func (s *Store) Supersede(o *CachedObject) {
	o.mu.Lock()
	o.Flags |= FlagSuperseded
	if o.DiskEntry != nil {
		o.DiskEntry.Unlink()
		o.DiskEntry = nil
	}
	o.mu.Unlock()

	s.Privatise(o, false)
	o.cond.Signal(0)
}

// Notify signals o's condition, guarding against the handler-triggered
// destruction by holding a reference across the call.
func (s *Store) Notify(o *CachedObject, status int) {
	o.incref()
	defer s.Release(o)
	o.cond.Signal(status)
}

// evictOne privatises the least-recently-used zero-refcount object,
// returning true if it made progress.
func (s *Store) evictOne() bool {
	s.mu.Lock()
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		obj := elem.Value.(*CachedObject)
		obj.mu.Lock()
		refs := obj.refcount
		obj.mu.Unlock()
		if refs == 0 {
			s.mu.Unlock()
			s.destroy(obj)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// discardObjects implements the three-phase eviction sweep scheduled by
// the chunk allocator's low/critical watermarks: first it frees
// fully-filled chunks from chunk-heavy public objects, then privatises
// zero-refcount objects, then -- under critical pressure -- punches
// holes in the middle of still-live objects.
func (s *Store) discardObjects(force bool) {
	low := s.pool.Watermarks().Low
	critical := s.pool.Watermarks().Critical
	threshold := low / 4

	s.mu.Lock()
	var snapshot []*CachedObject
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		snapshot = append(snapshot, elem.Value.(*CachedObject))
	}
	writeoutFn := s.writeoutFn
	s.mu.Unlock()

	// Phase 1: write out (handled by internal/diskcache's writeout hook,
	// registered separately) and free fully-filled chunks of chunk-heavy
	// public objects.
	for _, obj := range snapshot {
		if !obj.Flags.Has(FlagPublic) {
			continue
		}
		if uint64(obj.ChunkCount()) <= threshold {
			continue
		}
		for _, idx := range obj.EvictableChunks() {
			if writeoutFn != nil && writeoutFn(obj, idx) {
				obj.FreeChunk(s.pool, idx)
			}
		}
	}

	// Phase 2: privatise zero-refcount objects.
	if s.pool.Used() > low || force {
		for _, obj := range snapshot {
			obj.mu.Lock()
			refs := obj.refcount
			obj.mu.Unlock()
			if refs == 0 {
				s.destroy(obj)
			}
		}
	}

	// Phase 3: under critical pressure, punch holes in the middle of
	// objects still in use.
	if s.pool.Used() > critical || force {
		for _, obj := range snapshot {
			for _, idx := range obj.EvictableChunks() {
				if writeoutFn != nil && writeoutFn(obj, idx) {
					obj.FreeChunk(s.pool, idx)
				}
			}
		}
	}

	s.log.Debugf("discardObjects: used=%d low=%d critical=%d force=%t", s.pool.Used(), low, critical, force)
}
