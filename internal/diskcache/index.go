package diskcache

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

// ErrNotFound is returned by Index.Get when key has no record.
var ErrNotFound = errors.New("diskcache: index key not found")

// IndexRecord is the fast secondary index kept in pebble: enough to
// decide whether a disk entry exists and where its body starts without
// opening and parsing the file itself. The file on disk remains the
// source of truth; this index is a cache of its header fields.
type IndexRecord struct {
	Path         string
	BodyOffset   int64
	Size         int64
	Length       int64
	ETag         string
	LastModified string
}

// Index wraps a pebble database as the disk cache's fast existence/offset
// lookup, keyed by the same content hash used to derive the file path.
type Index struct {
	log *log.Helper
	db  *pebble.DB
}

// OpenIndex opens (creating if absent) a pebble database at path.
func OpenIndex(path string, logger log.Logger) (*Index, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Logger: log.NewHelper(log.NewFilter(logger, log.FilterLevel(log.LevelWarn))),
	})
	if err != nil {
		return nil, err
	}

	idx := &Index{log: log.NewHelper(logger), db: db}

	go idx.reportMetrics()

	return idx, nil
}

func (idx *Index) reportMetrics() {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for range tick.C {
		idx.log.Debugf("diskcache index metrics: %s", idx.db.Metrics().String())
	}
}

// Get returns the indexed record for key.
func (idx *Index) Get(key []byte) (IndexRecord, error) {
	buf, closer, err := idx.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return IndexRecord{}, ErrNotFound
		}
		return IndexRecord{}, err
	}
	defer closer.Close()

	var rec IndexRecord
	if err := cbor.Unmarshal(buf, &rec); err != nil {
		return IndexRecord{}, err
	}
	return rec, nil
}

// Set stores rec under key.
func (idx *Index) Set(key []byte, rec IndexRecord) error {
	buf, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return idx.db.Set(key, buf, pebble.Sync)
}

// Delete removes key from the index.
func (idx *Index) Delete(key []byte) error {
	return idx.db.Delete(key, pebble.Sync)
}

// Exist reports whether key has an indexed record, without deserialising it.
func (idx *Index) Exist(key []byte) bool {
	_, closer, err := idx.db.Get(key)
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// IteratePrefix walks every record whose key starts with prefix.
func (idx *Index) IteratePrefix(prefix []byte, f func(key []byte, rec IndexRecord) error) error {
	iter, err := idx.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			break
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}
		var rec IndexRecord
		if err := cbor.Unmarshal(val, &rec); err != nil {
			continue
		}
		if err := f(key, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying pebble database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
