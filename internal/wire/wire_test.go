package wire

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/kestrel/pkg/atom"
)

func TestInternHeaderRoundTrip(t *testing.T) {
	pool := atom.New()
	h := http.Header{
		"Cache-Control": {"no-cache", "max-age=0"},
		"Host":          {"example.com"},
	}

	ih := InternHeader(pool, h)
	out := ih.ToHeader()

	assert.ElementsMatch(t, h["Cache-Control"], out["Cache-Control"])
	assert.Equal(t, h["Host"], out["Host"])

	ih.Release(pool)
}

func TestInternHeaderSharesStorageForRepeatedKeys(t *testing.T) {
	pool := atom.New()
	h1 := http.Header{"Host": {"example.com"}}
	h2 := http.Header{"Host": {"example.com"}}

	ih1 := InternHeader(pool, h1)
	ih2 := InternHeader(pool, h2)

	require.Len(t, ih1.Keys, 1)
	require.Len(t, ih2.Keys, 1)
	assert.True(t, ih1.Keys[0].Equal(ih2.Keys[0]))
	assert.True(t, ih1.Values[ih1.Keys[0]][0].Equal(ih2.Values[ih2.Keys[0]][0]))

	ih1.Release(pool)
	ih2.Release(pool)
}

func TestGetReturnsFirstValue(t *testing.T) {
	pool := atom.New()
	h := http.Header{"X-Custom": {"first", "second"}}
	ih := InternHeader(pool, h)
	defer ih.Release(pool)

	v, ok := ih.Get(pool, "x-custom")
	require.True(t, ok)
	assert.Equal(t, "first", v.String())

	_, ok = ih.Get(pool, "missing")
	assert.False(t, ok)
}
