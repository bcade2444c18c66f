package freshness

import "time"

// Policy configures the global fallbacks the spec calls maxExpiresAge,
// maxAge, maxAgeFraction, maxNoModifiedAge, plus the two cache-wide
// toggles that change whether Vary/Cookie force revalidation.
type Policy struct {
	MaxExpiresAge       time.Duration // cap applied when any server directive is present
	MaxAge              time.Duration // cap applied when no server directive is present
	MaxAgeFraction      float64       // heuristic freshness from Last-Modified
	MaxNoModifiedAge    time.Duration // heuristic freshness with no validators at all
	MindlesslyCacheVary bool          // if true, Vary alone does not force revalidation
	DontCacheCookies    bool          // if true, a Set-Cookie response forces revalidation
	Shared              bool          // true for a shared (multi-user) cache: honours s-maxage/proxy-revalidate
}

// DefaultPolicy matches common forward-proxy defaults: heuristic
// freshness at 10% of (date - last-modified), 1h with no validators at
// all, a 24h cap when the response carries no directive and a 365-day
// cap when it does, a shared cache, Vary forcing revalidation, and
// Set-Cookie not forcing it.
func DefaultPolicy() Policy {
	return Policy{
		MaxExpiresAge:    365 * 24 * time.Hour,
		MaxAge:           24 * time.Hour,
		MaxAgeFraction:   0.1,
		MaxNoModifiedAge: 1 * time.Hour,
		Shared:           true,
	}
}

// ObjectState is the subset of CachedObject fields the freshness engine
// needs, decoupled from internal/cacheobj to avoid an import cycle.
type ObjectState struct {
	Date           time.Time
	LastModified   time.Time
	Expires        time.Time
	HasLastModified bool
	HasExpires      bool
	ResponseCC     Directives
	HasVary        bool
	HasCookie      bool
	HasServerDirective bool // true if the response carried any Cache-Control directive at all
}

// Age returns now - obj.Date, floored at zero.
func Age(obj ObjectState, now time.Time) time.Duration {
	if obj.Date.IsZero() {
		return 0
	}
	age := now.Sub(obj.Date)
	if age < 0 {
		return 0
	}
	return age
}

// StaleAt computes the absolute instant at which obj becomes stale: the
// minimum of every applicable upper bound, each expressed as
// date-of-response + some allowance.
func StaleAt(obj ObjectState, policy Policy, now time.Time) time.Time {
	cc := obj.ResponseCC
	base := obj.Date
	if base.IsZero() {
		base = now
	}

	var bound time.Duration
	set := false

	consider := func(d time.Duration) {
		if !set || d < bound {
			bound = d
			set = true
		}
	}

	if cc.MaxAge >= 0 {
		consider(time.Duration(cc.MaxAge) * time.Second)
	}
	if policy.Shared && cc.SMaxage >= 0 {
		consider(time.Duration(cc.SMaxage) * time.Second)
	}

	if obj.HasServerDirective {
		consider(policy.MaxExpiresAge)
	} else {
		consider(policy.MaxAge)
	}

	if cc.MaxAge < 0 && !(policy.Shared && cc.SMaxage >= 0) && obj.HasExpires {
		consider(obj.Expires.Sub(base))
	}

	if cc.MaxAge < 0 && !obj.HasExpires && obj.HasLastModified {
		heuristic := time.Duration(float64(base.Sub(obj.LastModified)) * policy.MaxAgeFraction)
		if heuristic > 0 {
			consider(heuristic)
		} else {
			consider(policy.MaxNoModifiedAge)
		}
	}

	if !set {
		consider(policy.MaxNoModifiedAge)
	}

	return base.Add(bound)
}

// MustRevalidate reports whether obj must be revalidated unconditionally
// regardless of staleness: no-cache/no-store, private in a shared cache,
// an un-mindlessly-cached Vary, or a policy-excluded cookie response.
func MustRevalidate(obj ObjectState, policy Policy) bool {
	cc := obj.ResponseCC
	if cc.NoCache || cc.NoStore {
		return true
	}
	if policy.Shared && cc.Private {
		return true
	}
	if obj.HasVary && !policy.MindlesslyCacheVary {
		return true
	}
	if obj.HasCookie && policy.DontCacheCookies {
		return true
	}
	return false
}

// IsStale applies client min-fresh/max-stale adjustments (only
// meaningful when MustRevalidate is false) and reports whether obj is
// stale relative to now.
func IsStale(obj ObjectState, policy Policy, requestCC Directives, now time.Time) bool {
	staleAt := StaleAt(obj, policy, now)

	if !MustRevalidate(obj, policy) {
		if requestCC.MinFresh >= 0 {
			staleAt = staleAt.Add(-time.Duration(requestCC.MinFresh) * time.Second)
		}
		if requestCC.HasMaxStale() {
			if requestCC.MaxStale < 0 {
				return false // bare max-stale: any staleness tolerated
			}
			staleAt = staleAt.Add(time.Duration(requestCC.MaxStale) * time.Second)
		}
	}

	return now.After(staleAt)
}
