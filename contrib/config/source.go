package config

// KeyValue is one file (or remote document) a Source contributed,
// decoded according to Format ("yaml"/"yml" or anything else treated
// as JSON — see toUnmarshal).
type KeyValue struct {
	Key    string
	Value  []byte
	Format string
}

// Watcher streams further KeyValue updates after the initial Load,
// e.g. from an fsnotify watch or a long-poll against a remote store.
type Watcher interface {
	Next() ([]*KeyValue, error)
	Stop() error
}

// Source produces the raw config documents Scan unmarshals into the
// bound type. provider/file and provider/remote are the two shipped
// implementations.
type Source interface {
	Load() ([]*KeyValue, error)
	Watch() (Watcher, error)
}
