package diskcache

import (
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileServer serves objects directly from a configured document
// root when the request URL starts with "/": no revalidation against
// any origin ever occurs for these, since there is no origin.
type LocalFileServer struct {
	Root string
}

// ErrForbidden is returned for path-traversal attempts.
var ErrForbidden = errors.New("diskcache: path traversal rejected")

// Resolve maps urlPath to a file under Root, serving index.html for
// directory requests and rejecting ".."/"/./ " traversal attempts.
func (l LocalFileServer) Resolve(urlPath string) (path string, contentType string, ok bool) {
	if l.Root == "" || !strings.HasPrefix(urlPath, "/") {
		return "", "", false
	}
	if isPathTraversal(urlPath) {
		return "", "", false
	}

	clean := filepath.Clean(urlPath)
	full := filepath.Join(l.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(l.Root)+string(filepath.Separator)) && full != filepath.Clean(l.Root) {
		return "", "", false
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", "", false
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		if _, err := os.Stat(full); err != nil {
			return "", "", false
		}
	}

	ct := mime.TypeByExtension(filepath.Ext(full))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return full, ct, true
}
