package freshness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDirectivesBasic(t *testing.T) {
	d := ParseDirectives(`no-cache, max-age=60, must-revalidate`)
	assert.True(t, d.NoCache)
	assert.True(t, d.MustRevalidate)
	assert.EqualValues(t, 60, d.MaxAge)
	assert.EqualValues(t, -1, d.SMaxage)
}

func TestParseDirectivesMaxStaleBare(t *testing.T) {
	d := ParseDirectives("max-stale")
	assert.True(t, d.HasMaxStale())
	assert.EqualValues(t, -1, d.MaxStale)
}

func TestParseDirectivesMaxStaleWithValue(t *testing.T) {
	d := ParseDirectives("max-stale=120")
	assert.True(t, d.HasMaxStale())
	assert.EqualValues(t, 120, d.MaxStale)
}

func TestStaleAtUsesMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	obj := ObjectState{
		Date:               now,
		HasServerDirective: true,
		ResponseCC:         Directives{MaxAge: 100, SMaxage: -1},
	}
	staleAt := StaleAt(obj, DefaultPolicy(), now)
	assert.Equal(t, now.Add(100*time.Second), staleAt)
}

func TestStaleAtPrefersSMaxageWhenShared(t *testing.T) {
	now := time.Now()
	obj := ObjectState{
		Date:               now,
		HasServerDirective: true,
		ResponseCC:         Directives{MaxAge: 100, SMaxage: 50},
	}
	policy := DefaultPolicy()
	policy.Shared = true
	staleAt := StaleAt(obj, policy, now)
	assert.Equal(t, now.Add(50*time.Second), staleAt)
}

func TestStaleAtFallsBackToExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obj := ObjectState{
		Date:               now,
		HasServerDirective: false,
		HasExpires:         true,
		Expires:            now.Add(10 * time.Minute),
		ResponseCC:         Directives{MaxAge: -1, SMaxage: -1},
	}
	staleAt := StaleAt(obj, DefaultPolicy(), now)
	assert.Equal(t, now.Add(10*time.Minute), staleAt)
}

func TestStaleAtHeuristicFromLastModified(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	obj := ObjectState{
		Date:               now,
		HasLastModified:    true,
		LastModified:       now.Add(-100 * time.Hour),
		ResponseCC:         Directives{MaxAge: -1, SMaxage: -1},
	}
	policy := DefaultPolicy()
	staleAt := StaleAt(obj, policy, now)
	assert.Equal(t, now.Add(10*time.Hour), staleAt) // 10% of 100h
}

func TestMustRevalidateCases(t *testing.T) {
	policy := DefaultPolicy()
	policy.Shared = true

	assert.True(t, MustRevalidate(ObjectState{ResponseCC: Directives{NoCache: true}}, policy))
	assert.True(t, MustRevalidate(ObjectState{ResponseCC: Directives{Private: true}}, policy))
	assert.False(t, MustRevalidate(ObjectState{HasVary: true}, func() Policy { p := policy; p.MindlesslyCacheVary = true; return p }()))
	assert.True(t, MustRevalidate(ObjectState{HasVary: true}, policy))
}

func TestIsStaleRespectsMinFreshAndMaxStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obj := ObjectState{
		Date:               now.Add(-90 * time.Second),
		HasServerDirective: true,
		ResponseCC:         Directives{MaxAge: 100, SMaxage: -1},
	}
	policy := DefaultPolicy()

	assert.False(t, IsStale(obj, policy, Directives{MaxAge: -1, SMaxage: -1, MinFresh: -1, MaxStale: -1}, now))

	// min-fresh=20s pulls the deadline forward past now.
	assert.True(t, IsStale(obj, policy, Directives{MaxAge: -1, SMaxage: -1, MinFresh: 20, MaxStale: -1}, now))
}

func TestIsStaleBareMaxStaleToleratesAnything(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obj := ObjectState{
		Date:               now.Add(-1000 * time.Second),
		HasServerDirective: true,
		ResponseCC:         Directives{MaxAge: 100, SMaxage: -1},
	}
	cc := ParseDirectives("max-stale")
	assert.False(t, IsStale(obj, DefaultPolicy(), cc, now))
}
