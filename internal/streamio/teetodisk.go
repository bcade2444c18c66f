// Package streamio provides the reader combinators the dispatcher uses
// to fan a single upstream body out to an in-memory cached object, its
// disk mirror, and the client response, without buffering the whole
// response in any one place.
package streamio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ChunkSuccess is invoked once per full block (or on the final, possibly
// short, block at EOF) with the block's bytes, its offset into the
// stream, and whether this was the last block.
type ChunkSuccess func(buf []byte, offset int64, eof bool) error

// ChunkError is invoked when the underlying reader fails.
type ChunkError func(err error)

// teeToDisk wraps an io.ReadCloser, buffering reads into fixed-size
// blocks and invoking onChunk once a block fills (or the stream ends).
// This mirrors the savepart reader idiom: the original stores
// bitmap-indexed parts to disk mid-stream; here onChunk is the
// caller's chance to both fill a cached object's chunk slot and write
// the same bytes through to the disk mirror, before the bytes are also
// handed onward to the client.
type teeToDisk struct {
	r io.ReadCloser

	pos       int64
	blockSize int
	buf       *bytes.Buffer

	onChunk ChunkSuccess
	onError ChunkError
}

var _ io.ReadCloser = (*teeToDisk)(nil)

// TeeToDisk returns a reader that passes through whatever r produces
// while also delivering full blockSize-sized chunks to onChunk as they
// complete. startAt lets the caller resume mid-object (e.g. filling a
// hole that starts partway through the body) without onChunk seeing
// bytes it already has.
func TeeToDisk(r io.ReadCloser, blockSize int, startAt int64, onChunk ChunkSuccess, onError ChunkError) io.ReadCloser {
	return &teeToDisk{
		r:         r,
		pos:       startAt,
		blockSize: blockSize,
		buf:       bytes.NewBuffer(make([]byte, 0, blockSize)),
		onChunk:   onChunk,
		onError:   onError,
	}
}

func (t *teeToDisk) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if ferr := t.flush(p[:n], true); ferr != nil {
				t.onError(ferr)
				return n, ferr
			}
			return n, io.EOF
		}
		t.onError(err)
		return n, err
	}

	if ferr := t.flush(p[:n], false); ferr != nil {
		t.onError(ferr)
		return n, ferr
	}
	return n, nil
}

func (t *teeToDisk) flush(data []byte, eof bool) error {
	remaining := len(data)
	pos := 0

	for remaining > 0 {
		space := t.blockSize - t.buf.Len()
		take := min(space, remaining)

		if _, err := t.buf.Write(data[pos : pos+take]); err != nil {
			return err
		}
		pos += take
		remaining -= take
		t.pos += int64(take)

		if t.buf.Len() == t.blockSize {
			if err := t.emit(false); err != nil {
				return err
			}
		}
	}

	if eof && t.buf.Len() > 0 {
		return t.emit(true)
	}
	return nil
}

func (t *teeToDisk) emit(eof bool) error {
	blockLen := t.buf.Len()
	if blockLen == 0 {
		return nil
	}
	offset := t.pos - int64(blockLen)
	if err := t.onChunk(t.buf.Bytes(), offset, eof); err != nil {
		return fmt.Errorf("streamio: chunk callback at offset %d: %w", offset, err)
	}
	t.buf.Reset()
	return nil
}

func (t *teeToDisk) Close() error {
	return t.r.Close()
}
