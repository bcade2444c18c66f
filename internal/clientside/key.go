package clientside

import (
	"net/http"

	"github.com/kestrelproxy/kestrel/internal/cacheobj"
	"github.com/kestrelproxy/kestrel/pkg/x/http/varycontrol"
)

// ObjectKey derives the cacheobj.Key a request maps to. Query strings
// are included verbatim (cache keys are per-URL, not per-resource) and
// a request carrying any of the Vary-named headers gets them folded
// into VirtualKey via varycontrol.Key, which canonicalises header
// order/casing (and Accept-Encoding's comma-list quirks specifically)
// so two requests differing only in that noise still collapse onto
// one cache slot.
func ObjectKey(req *http.Request, varyHeaders []string) cacheobj.Key {
	url := req.URL.String()

	if len(varyHeaders) == 0 {
		return cacheobj.Key{Type: cacheobj.KeyHTTP, URL: url}
	}

	key := varycontrol.Clean(varyHeaders...)
	return cacheobj.Key{Type: cacheobj.KeyHTTP, URL: url, VirtualKey: key.VaryData(req.Header)}
}

// LocalFileKey derives the key used for a local-file (non-origin)
// request, keyed purely on its path since there is no Vary concept for
// files served directly off disk.
func LocalFileKey(urlPath string) cacheobj.Key {
	return cacheobj.Key{Type: cacheobj.KeyLocalFile, URL: urlPath}
}
