// Package file implements config.Source against a single file on disk,
// watched via fsnotify so a SIGHUP-triggered rescan (contrib/config's
// own tick loop) always sees the latest bytes.
package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelproxy/kestrel/contrib/config"
)

var _ config.Source = (*fileSource)(nil)

type fileSource struct {
	path string
}

// NewSource builds a file-backed config.Source. The format is inferred
// from the file's extension (.yaml/.yml or anything else treated as JSON).
func NewSource(path string) config.Source {
	return &fileSource{path: path}
}

func (f *fileSource) Load() ([]*config.KeyValue, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	return []*config.KeyValue{
		{
			Key:    filepath.Base(f.path),
			Value:  buf,
			Format: format(f.path),
		},
	}, nil
}

func (f *fileSource) Watch() (config.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &fileWatcher{path: f.path, watcher: watcher}, nil
}

func format(path string) string {
	switch ext := strings.TrimPrefix(filepath.Ext(path), "."); ext {
	case "yaml", "yml":
		return "yaml"
	default:
		return "json"
	}
}

type fileWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

func (w *fileWatcher) Next() ([]*config.KeyValue, error) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil, nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			buf, err := os.ReadFile(w.path)
			if err != nil {
				return nil, err
			}
			return []*config.KeyValue{{Key: filepath.Base(w.path), Value: buf, Format: format(w.path)}}, nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (w *fileWatcher) Stop() error {
	return w.watcher.Close()
}
