package clientside

import (
	"io"

	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/internal/chunkpool"
	"github.com/kestrelproxy/kestrel/internal/streamio"
)

// teeIntoStore fans a single upstream body out to the in-memory object
// store (and, as each chunk completes, the disk mirror) as it streams
// to the client, without ever buffering the whole response. It owns
// the only read of the upstream body; a concurrent follower is served
// from obj itself via Dispatcher.serveFollower, never from this reader,
// so obj is safe to mutate here without contention. On a clean EOF the
// object is marked complete and notified so any waiting follower can
// proceed; on error it is aborted instead so no half-written object is
// left servable.
type teeIntoStore struct {
	disp  *Dispatcher
	obj   *cacheobj.CachedObject
	inner io.ReadCloser
}

func newTeeIntoStore(disp *Dispatcher, obj *cacheobj.CachedObject, upstream io.ReadCloser, startAt int64) *teeIntoStore {
	t := &teeIntoStore{disp: disp, obj: obj}
	t.inner = streamio.TeeToDisk(upstream, chunkpool.ChunkSize, startAt, t.onChunk, t.onError)
	return t
}

func (t *teeIntoStore) Read(p []byte) (int, error) {
	return t.inner.Read(p)
}

// Close releases the upstream body and, for a private single-use
// object (Authorization requests never go into the shared table), the
// initial reference newObject handed it -- without this, a private
// object would never reach refcount zero and would leak forever.
func (t *teeIntoStore) Close() error {
	err := t.inner.Close()
	if t.obj.HasFlag(cacheobj.FlagLinear) {
		t.disp.store.Release(t.obj)
	}
	return err
}

func (t *teeIntoStore) onChunk(buf []byte, offset int64, eof bool) error {
	if err := t.obj.AddData(t.disp.pool, buf, offset); err != nil {
		t.disp.store.Abort(t.obj, 500, err.Error())
		return err
	}

	end := offset + int64(len(buf))
	t.disp.writeoutUpTo(t.obj, end)

	if eof {
		t.obj.MarkComplete(end)
		t.disp.store.Notify(t.obj, 200)
	}
	return nil
}

func (t *teeIntoStore) onError(err error) {
	t.disp.store.Abort(t.obj, 502, err.Error())
}
