package diskcache

import (
	"bufio"
	"container/list"
	"crypto/md5"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/contrib/log"
	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
)

// Options configures a Cache.
type Options struct {
	Root             string
	MaxOpenEntries   int // default 32
	IdleTime         time.Duration
	MaxWriteoutIdle  int64 // bytes per object per idle pass
	MaxObjectsIdle   int   // objects per idle pass
}

// DefaultOptions matches the spec's stated defaults (max_disk_entries=32).
func DefaultOptions(root string) Options {
	return Options{
		Root:            root,
		MaxOpenEntries:  32,
		IdleTime:        2 * time.Second,
		MaxWriteoutIdle: 256 * 1024,
		MaxObjectsIdle:  16,
	}
}

// Cache is the disk mirror: a self-describing file per object plus a
// pebble-backed fast index, with a bounded LRU of open file descriptors.
type Cache struct {
	log *log.Helper
	opt Options
	idx *Index

	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element // keyed by object store URL

	lastActivity time.Time
	stopIdle     chan struct{}
}

type lruValue struct {
	entry *Entry
}

// New opens (or creates) the disk cache rooted at opt.Root, with its
// pebble index alongside it.
func New(opt Options, logger log.Logger) (*Cache, error) {
	if err := os.MkdirAll(opt.Root, 0o755); err != nil {
		return nil, err
	}
	idx, err := OpenIndex(filepath.Join(opt.Root, ".index"), logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		log:          log.NewHelper(logger),
		opt:          opt,
		idx:          idx,
		lru:          list.New(),
		entries:      make(map[string]*list.Element),
		lastActivity: time.Now(),
		stopIdle:     make(chan struct{}),
	}
	go c.idleLoop()
	return c, nil
}

func indexKey(rawURL string) []byte {
	sum := md5.Sum([]byte(rawURL))
	return sum[:]
}

// Close stops background work and closes the index and any open entries.
func (c *Cache) Close() error {
	close(c.stopIdle)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, elem := range c.entries {
		elem.Value.(*lruValue).entry.file.Close()
	}
	return c.idx.Close()
}

// touch marks activity, resetting the idle-writeout clock.
func (c *Cache) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// acquire returns the open Entry for rawURL, opening (or creating) it and
// evicting the LRU tail if the open-FD cap is exceeded.
func (c *Cache) acquire(rawURL string, create bool, statusLine string, header http.Header, length int64) (*Entry, error) {
	c.mu.Lock()
	if elem, ok := c.entries[rawURL]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*lruValue).entry
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	path := ObjectPath(c.opt.Root, rawURL)
	entry, err := c.open(path, rawURL, create, statusLine, header, length)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	elem := c.lru.PushFront(&lruValue{entry: entry})
	c.entries[rawURL] = elem
	for c.lru.Len() > c.opt.MaxOpenEntries {
		tail := c.lru.Back()
		if tail == nil {
			break
		}
		tv := tail.Value.(*lruValue)
		c.lru.Remove(tail)
		delete(c.entries, tv.entry.StoreURL)
		tv.entry.file.Close()
	}
	c.mu.Unlock()

	return entry, nil
}

func (c *Cache) open(path, rawURL string, create bool, statusLine string, header http.Header, length int64) (*Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if !os.IsNotExist(err) || !create {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return c.create(path, rawURL, statusLine, header, length)
	}

	br := bufio.NewReader(f)
	fh, err := decodeHeader(br)
	if err != nil {
		f.Close()
		if create {
			return c.create(path, rawURL, statusLine, header, length)
		}
		return nil, err
	}

	if !fh.matchesMetadata(length, fh.ETag, fh.LastModified) {
		f.Close()
		os.Remove(path)
		if create {
			return c.create(path, rawURL, statusLine, header, length)
		}
		return nil, ErrNotFound
	}

	fi, _ := f.Stat()
	size := int64(0)
	if fi != nil {
		size = fi.Size() - fh.BodyOffset
		if size < 0 {
			size = 0
		}
	}

	return &Entry{
		Path:         path,
		StoreURL:     rawURL,
		file:         f,
		bodyOffset:   fh.BodyOffset,
		size:         size,
		Length:       fh.Length,
		ETag:         fh.ETag,
		LastModified: fh.LastModified,
	}, nil
}

func (c *Cache) create(path, rawURL string, statusLine string, header http.Header, length int64) (*Entry, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fh := fileHeader{
		StatusLine: statusLine,
		Header:     header,
		StoreURL:   rawURL,
		Date:       now,
		AccessTime: now,
		Length:     length,
		ETag:       header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	}
	headerBytes := encodeHeader(fh)
	offset := chooseBodyOffset(len(headerBytes))
	fh.BodyOffset = offset
	headerBytes = encodeHeader(fh) // re-encode: offset value length may shift alignment target, but offset is already fixed above

	padded := make([]byte, offset)
	copy(padded, headerBytes)
	if _, err := f.WriteAt(padded, 0); err != nil {
		f.Close()
		return nil, err
	}

	key := indexKey(rawURL)
	_ = c.idx.Set(key, IndexRecord{
		Path:         path,
		BodyOffset:   offset,
		Size:         0,
		Length:       length,
		ETag:         fh.ETag,
		LastModified: fh.LastModified,
	})

	return &Entry{
		Path:         path,
		StoreURL:     rawURL,
		file:         f,
		bodyOffset:   offset,
		Length:       length,
		ETag:         fh.ETag,
		LastModified: fh.LastModified,
	}, nil
}

// Store creates (or replaces) the disk entry for rawURL with the given
// response status line, headers, and known length (-1 if streaming).
func (c *Cache) Store(rawURL, statusLine string, header http.Header, length int64) (*Entry, error) {
	c.touch()
	// Force recreation: an existing cached entry elsewhere gets evicted
	// naturally from the open-FD LRU; Store always wants a fresh file.
	c.mu.Lock()
	if elem, ok := c.entries[rawURL]; ok {
		tv := elem.Value.(*lruValue)
		c.lru.Remove(elem)
		delete(c.entries, rawURL)
		tv.entry.file.Close()
	}
	c.mu.Unlock()

	entry, err := c.acquire(rawURL, true, statusLine, header, length)
	return entry, err
}

// Writeout appends from entry.size up to upto, bounded by maxBytes,
// reading obj's in-memory chunks. Returns the number of bytes written.
func (c *Cache) Writeout(entry *Entry, obj *cacheobj.CachedObject, upto int64, maxBytes int64) (int64, error) {
	c.touch()

	start := entry.size
	if start >= upto {
		return 0, nil
	}
	end := upto
	if maxBytes > 0 && end-start > maxBytes {
		end = start + maxBytes
	}

	buf := make([]byte, end-start)
	n, hitHole := obj.ReadAt(buf, start)
	if n == 0 {
		return 0, nil
	}
	if _, err := entry.file.WriteAt(buf[:n], entry.bodyOffset+start); err != nil {
		return 0, err
	}
	entry.size = start + int64(n)
	if !hitHole && obj.Length >= 0 && entry.size >= obj.Length {
		obj.MarkDiskComplete()
	}
	return int64(n), nil
}

// WriteoutMetadata re-serialises the header region for entry. If the new
// header no longer fits the originally allocated space, it triggers a
// full rewrite: a new file is created at the same path with a larger
// offset and the body is copied across.
func (c *Cache) WriteoutMetadata(entry *Entry, statusLine string, header http.Header, length int64) error {
	c.touch()

	fh := fileHeader{
		StatusLine:   statusLine,
		Header:       header,
		StoreURL:     entry.StoreURL,
		Date:         time.Now(),
		AccessTime:   time.Now(),
		BodyOffset:   entry.bodyOffset,
		Length:       length,
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	}
	encoded := encodeHeader(fh)

	if int64(len(encoded)) > entry.bodyOffset {
		return c.rewrite(entry, statusLine, header, length)
	}

	padded := make([]byte, entry.bodyOffset)
	copy(padded, encoded)
	if _, err := entry.file.WriteAt(padded, 0); err != nil {
		return err
	}
	entry.Length = length
	entry.ETag = fh.ETag
	entry.LastModified = fh.LastModified
	entry.metaDirty = false

	_ = c.idx.Set(indexKey(entry.StoreURL), IndexRecord{
		Path:         entry.Path,
		BodyOffset:   entry.bodyOffset,
		Size:         entry.size,
		Length:       length,
		ETag:         fh.ETag,
		LastModified: fh.LastModified,
	})
	return nil
}

func (c *Cache) rewrite(entry *Entry, statusLine string, header http.Header, length int64) error {
	now := time.Now()
	fh := fileHeader{
		StatusLine:   statusLine,
		Header:       header,
		StoreURL:     entry.StoreURL,
		Date:         now,
		AccessTime:   now,
		Length:       length,
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	}
	headerBytes := encodeHeader(fh)
	newOffset := chooseBodyOffset(len(headerBytes))
	fh.BodyOffset = newOffset
	headerBytes = encodeHeader(fh)

	tmpPath := entry.Path + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	padded := make([]byte, newOffset)
	copy(padded, headerBytes)
	if _, err := tmp.WriteAt(padded, 0); err != nil {
		tmp.Close()
		return err
	}

	body := make([]byte, entry.size)
	if _, err := entry.file.ReadAt(body, entry.bodyOffset); err != nil && entry.size > 0 {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("diskcache: rewrite copy body: %w", err)
	}
	if _, err := tmp.WriteAt(body, newOffset); err != nil {
		tmp.Close()
		return err
	}

	entry.file.Close()
	if err := os.Rename(tmpPath, entry.Path); err != nil {
		return err
	}

	entry.file = tmp
	entry.bodyOffset = newOffset
	entry.Length = length
	entry.ETag = fh.ETag
	entry.LastModified = fh.LastModified
	entry.metaDirty = false

	_ = c.idx.Set(indexKey(entry.StoreURL), IndexRecord{
		Path:         entry.Path,
		BodyOffset:   newOffset,
		Size:         entry.size,
		Length:       length,
		ETag:         fh.ETag,
		LastModified: fh.LastModified,
	})
	return nil
}

// FillFromDisk allocates missing chunk slots covering [offset, offset +
// chunkCount*ChunkSize) on obj, reads them from entry, and writes them in
// via AddData. It returns true iff at least one byte was delivered.
func (c *Cache) FillFromDisk(pool *chunkpool.Pool, entry *Entry, obj *cacheobj.CachedObject, offset int64, chunkCount int) (bool, error) {
	c.touch()

	want := int64(chunkCount) * chunkpool.ChunkSize
	if offset+want > entry.size {
		want = entry.size - offset
	}
	if want <= 0 {
		return false, nil
	}

	buf := make([]byte, want)
	n, err := entry.file.ReadAt(buf, entry.bodyOffset+offset)
	if n == 0 {
		if err != nil {
			return false, err
		}
		return false, nil
	}
	if n < len(buf) {
		entry.size = offset + int64(n)
	}

	if addErr := obj.AddData(pool, buf[:n], offset); addErr != nil {
		return n > 0, addErr
	}
	return true, nil
}

// Open returns the Entry for rawURL if it already exists on disk,
// without creating one.
func (c *Cache) Open(rawURL string) (*Entry, error) {
	return c.acquire(rawURL, false, "", nil, -1)
}

// Discard removes rawURL's disk entry entirely: closes any open fd,
// deletes the file, and drops the index record.
func (c *Cache) Discard(rawURL string) error {
	c.mu.Lock()
	if elem, ok := c.entries[rawURL]; ok {
		tv := elem.Value.(*lruValue)
		c.lru.Remove(elem)
		delete(c.entries, rawURL)
		tv.entry.file.Close()
	}
	c.mu.Unlock()

	_ = c.idx.Delete(indexKey(rawURL))
	return os.Remove(ObjectPath(c.opt.Root, rawURL))
}

// Unlink implements cacheobj.DiskEntryRef so a CachedObject can drop its
// disk entry reference on abort/supersede without importing diskcache.
func (e *Entry) Unlink() {
	if e.file != nil {
		e.file.Close()
	}
}
