// Package wire is a thin collaborator over net/http and bufio: it owns
// request/response line and header parsing only to the extent of
// interning header names/values into the shared atom pool so that
// repeated header keys (Host, User-Agent, Cache-Control, ...) share
// storage across every in-flight request rather than allocating a
// fresh string per request. Everything else is left to net/http.
package wire

import (
	"net/http"
	"net/textproto"

	"github.com/kestrelproxy/kestrel/pkg/atom"
)

// InternedHeader mirrors an http.Header but with each canonical key and
// each value backed by an interned atom, so identical header lines
// across many requests collapse to one underlying allocation.
type InternedHeader struct {
	Keys   []atom.Atom
	Values map[atom.Atom][]atom.Atom
}

// InternHeader copies h into an InternedHeader using pool to intern
// every key and value.
func InternHeader(pool *atom.Pool, h http.Header) InternedHeader {
	out := InternedHeader{
		Keys:   make([]atom.Atom, 0, len(h)),
		Values: make(map[atom.Atom][]atom.Atom, len(h)),
	}
	for k, vv := range h {
		ka := pool.InternString(textproto.CanonicalMIMEHeaderKey(k))
		out.Keys = append(out.Keys, ka)
		vals := make([]atom.Atom, 0, len(vv))
		for _, v := range vv {
			vals = append(vals, pool.InternString(v))
		}
		out.Values[ka] = vals
	}
	return out
}

// ToHeader materialises an InternedHeader back into a plain http.Header
// for handing to net/http APIs.
func (ih InternedHeader) ToHeader() http.Header {
	h := make(http.Header, len(ih.Keys))
	for _, k := range ih.Keys {
		vals := ih.Values[k]
		strs := make([]string, len(vals))
		for i, v := range vals {
			strs[i] = v.String()
		}
		h[k.String()] = strs
	}
	return h
}

// Get returns the first value for key, interned via pool for lookup,
// or the zero Atom and false if absent.
func (ih InternedHeader) Get(pool *atom.Pool, key string) (atom.Atom, bool) {
	ka := pool.InternString(textproto.CanonicalMIMEHeaderKey(key))
	vals, ok := ih.Values[ka]
	if !ok || len(vals) == 0 {
		return atom.Atom{}, false
	}
	return vals[0], true
}

// Release decrefs every atom this InternedHeader holds against pool.
// Callers must call Release exactly once, with the same pool that
// produced the header, when it is no longer needed, mirroring the
// refcount discipline the rest of the atom pool uses.
func (ih InternedHeader) Release(pool *atom.Pool) {
	for _, k := range ih.Keys {
		for _, v := range ih.Values[k] {
			pool.Decref(v)
		}
		pool.Decref(k)
	}
}
