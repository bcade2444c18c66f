package chunkpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/contrib/log"
)

func TestGetDisposeRoundTrip(t *testing.T) {
	p := New(Watermarks{Low: 10, Critical: 20, High: 30}, log.DefaultLogger)

	ref, ok := p.GetChunk()
	require.True(t, ok)
	assert.EqualValues(t, 1, p.Used())

	b := ref.Bytes()
	require.Len(t, b, ChunkSize)
	b[0] = 0xAB

	p.DisposeChunk(ref)
	assert.EqualValues(t, 0, p.Used())
}

func TestGetChunkReusesFreedSlot(t *testing.T) {
	p := New(DefaultWatermarks(), log.DefaultLogger)

	first, ok := p.GetChunk()
	require.True(t, ok)
	p.DisposeChunk(first)

	second, ok := p.GetChunk()
	require.True(t, ok)
	assert.Equal(t, first.index, second.index)
	assert.Same(t, first.arena, second.arena)
}

func TestHighWatermarkBlocksWithoutEviction(t *testing.T) {
	p := New(Watermarks{Low: 1, Critical: 1, High: 1}, log.DefaultLogger)

	_, ok := p.GetChunk()
	require.True(t, ok)

	_, ok = p.GetChunk()
	assert.False(t, ok, "expected allocation to fail at high watermark with no eviction hook")
}

func TestEvictFuncUnblocksAllocation(t *testing.T) {
	p := New(Watermarks{Low: 1, Critical: 1, High: 1}, log.DefaultLogger)

	held, ok := p.GetChunk()
	require.True(t, ok)

	p.SetEvictFunc(func() bool {
		p.DisposeChunk(held)
		return true
	})

	_, ok = p.GetChunk()
	assert.True(t, ok, "expected eviction hook to free capacity for the new allocation")
}

func TestMaybeGetChunkNeverEvicts(t *testing.T) {
	p := New(Watermarks{Low: 1, Critical: 1, High: 1}, log.DefaultLogger)
	evicted := false
	p.SetEvictFunc(func() bool { evicted = true; return true })

	_, ok := p.GetChunk()
	require.True(t, ok)

	_, ok = p.MaybeGetChunk()
	assert.True(t, ok, "MaybeGetChunk takes a free slot of the existing arena rather than evicting")
	assert.False(t, evicted)
}

func TestDiscardFuncFiresAtLowWatermark(t *testing.T) {
	p := New(Watermarks{Low: 1, Critical: 100, High: 200}, log.DefaultLogger)

	done := make(chan bool, 1)
	p.SetDiscardFunc(func(force bool) { done <- force })

	_, ok := p.GetChunk()
	require.True(t, ok)

	select {
	case force := <-done:
		assert.False(t, force)
	case <-time.After(time.Second):
		t.Fatal("expected discard callback to fire at low watermark")
	}
}

func TestFreeChunkArenasReleasesEmptyArenas(t *testing.T) {
	p := New(DefaultWatermarks(), log.DefaultLogger)
	ref, ok := p.GetChunk()
	require.True(t, ok)
	p.DisposeChunk(ref)

	released := p.FreeChunkArenas()
	assert.Equal(t, 1, released)
	assert.Empty(t, p.arenas)
}
