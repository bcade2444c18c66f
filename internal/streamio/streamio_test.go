package streamio

import (
	"bytes"
	"io"
	"testing"

	"github.com/kelindar/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func TestTeeToDiskDeliversFullBlocksAndTail(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 10)
	var chunks [][]byte
	var offsets []int64

	r := TeeToDisk(nopCloser{bytes.NewReader(data)}, 4, 0,
		func(buf []byte, offset int64, eof bool) error {
			chunks = append(chunks, append([]byte(nil), buf...))
			offsets = append(offsets, offset)
			return nil
		},
		func(err error) { t.Fatalf("unexpected error: %v", err) },
	)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("aaaa"), chunks[0])
	assert.Equal(t, []byte("aaaa"), chunks[1])
	assert.Equal(t, []byte("aa"), chunks[2])
	assert.Equal(t, []int64{0, 4, 8}, offsets)
}

func TestTeeToDiskHonorsStartAt(t *testing.T) {
	data := []byte("xxxxyyyy")
	var offsets []int64

	r := TeeToDisk(nopCloser{bytes.NewReader(data)}, 4, 100,
		func(buf []byte, offset int64, eof bool) error {
			offsets = append(offsets, offset)
			return nil
		},
		func(err error) { t.Fatalf("unexpected error: %v", err) },
	)
	_, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 104}, offsets)
}

func TestMultiPartReaderConcatenatesParts(t *testing.T) {
	p1 := nopCloser{bytes.NewReader([]byte("hello "))}
	p2 := nopCloser{bytes.NewReader([]byte("world"))}

	r := MultiPartReader(nil, p1, p2)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
	require.NoError(t, r.Close())
}

func TestMultiPartReaderReturnsNilForNoParts(t *testing.T) {
	assert.Nil(t, MultiPartReader(nil))
}

func TestPlanChunksSplitsHitAndMissRuns(t *testing.T) {
	present := bitmap.Bitmap{}
	present.Set(0)
	present.Set(1)
	present.Set(4)

	blocks := PlanChunks(0, 5, present)
	require.Len(t, blocks, 4)
	assert.Equal(t, Block{Hit: true, First: 0, Last: 1}, blocks[0])
	assert.Equal(t, Block{Hit: false, First: 2, Last: 3}, blocks[1])
	assert.Equal(t, Block{Hit: true, First: 4, Last: 4}, blocks[2])
	assert.Equal(t, Block{Hit: false, First: 5, Last: 5}, blocks[3])
}

func TestFullyPresentAndPartiallyPresent(t *testing.T) {
	present := bitmap.Bitmap{}
	present.Set(2)
	present.Set(3)

	assert.True(t, FullyPresent(2, 3, present))
	assert.False(t, FullyPresent(1, 3, present))
	assert.True(t, PartiallyPresent(1, 3, present))
	assert.False(t, PartiallyPresent(5, 6, present))
}
