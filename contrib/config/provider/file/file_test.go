package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSourceLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("hostname: proxy-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewSource(path)
	kvs, err := src.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 {
		t.Fatalf("expected 1 key-value, got %d", len(kvs))
	}
	if kvs[0].Format != "yaml" {
		t.Errorf("format = %q, want yaml", kvs[0].Format)
	}
	if kvs[0].Key != "config.yaml" {
		t.Errorf("key = %q, want config.yaml", kvs[0].Key)
	}
}

func TestFileSourceLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"hostname":"proxy-1"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	kvs, err := NewSource(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if kvs[0].Format != "json" {
		t.Errorf("format = %q, want json", kvs[0].Format)
	}
}

func TestFileSourceLoadMissing(t *testing.T) {
	_, err := NewSource(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestFileWatcherNextOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("hostname: proxy-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewSource(path)
	watcher, err := src.Watch()
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("hostname: proxy-2\n"), 0o644)
	}()

	type result struct {
		kv  []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		got, err := watcher.Next()
		if err != nil || len(got) == 0 {
			ch <- result{err: err}
			return
		}
		ch <- result{kv: got[0].Value}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if string(r.kv) != "hostname: proxy-2\n" {
			t.Errorf("watched content = %q", r.kv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify event")
	}
}
