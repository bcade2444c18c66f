// Package adapters isolates the proxy core from the three collaborator
// surfaces that vary by deployment: name resolution, onward SOCKS
// connection, and redirect rewriting. Each is a small synchronous Go
// interface rather than the callback-based shape a single-threaded
// event loop would need; internal/evloop's Poke lets a caller fan a
// blocking adapter call back onto the loop goroutine when required.
package adapters

import (
	"context"
	"net"
	"net/http"
)

// Resolver turns a hostname into the addresses the dialer should try,
// in preference order. The default implementation wraps net.Resolver;
// a caching or split-horizon resolver can be substituted without the
// rest of the proxy knowing the difference.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// netResolver is the default Resolver, backed by the standard
// library's resolver exactly as the teacher's own dialers do.
type netResolver struct {
	resolver *net.Resolver
}

// NewResolver builds the default net.Resolver-backed Resolver.
func NewResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

func (r *netResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// SOCKSDialer opens a TCP connection to host:port through a SOCKS
// proxy. No SOCKS client library appears anywhere in the retrieval
// pack, so this interface has no wired default implementation here;
// a deployment that needs one provides its own (e.g. backed by
// golang.org/x/net/proxy) and passes it to the tunnel/serverside
// dialers in its place of net.Dialer.
type SOCKSDialer interface {
	DialSOCKS(ctx context.Context, host string, port int) (net.Conn, error)
}

// RedirectDecision is the outcome of a Redirector check: whether to
// rewrite the request, to what, and with what additional headers and
// explanatory message (surfaced in logs/diagnostic pages).
type RedirectDecision struct {
	Code         int
	NewURL       string
	Message      string
	ExtraHeaders http.Header
}

// Redirector inspects an outgoing request URL and optionally rewrites
// it before dispatch, e.g. for blocklist redirects or protocol
// upgrades. The default Redirector is a no-op pass-through.
type Redirector interface {
	Check(req *http.Request) RedirectDecision
}

type passthroughRedirector struct{}

// NewPassthroughRedirector returns a Redirector that never rewrites a
// request; Code is always 0, signalling "no redirect" to callers.
func NewPassthroughRedirector() Redirector {
	return passthroughRedirector{}
}

func (passthroughRedirector) Check(req *http.Request) RedirectDecision {
	return RedirectDecision{}
}
