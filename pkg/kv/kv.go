// Package kv provides a small sorted key-value abstraction used for the L2
// tier of the Three-Tier Read Cache (spec §4.6) and, by the job registry,
// for resumable progress state. The interface and its two implementations
// (in-memory and embedded on-disk) are modeled on perkeep's
// pkg/sorted.KeyValue and its mem/leveldb backends: a tiny Get/Set/Delete
// surface plus a registry so callers can select a backend by name from
// configuration rather than importing a concrete package.
package kv

import (
	"errors"

	"github.com/letuhao/imagevault/pkg/model"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a sorted, enumerable key-value store. Keys and values are plain
// strings; callers encode whatever structure they need (the L2 read-cache
// tier stores raw artifact bytes, the job registry stores JSON).
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error

	// Find returns an iterator over keys in [start, end). An empty end
	// means "no upper bound".
	Find(start, end string) Iterator

	Close() error
}

// Iterator iterates over key/value pairs in key order. It must be closed
// after use.
type Iterator interface {
	Next() bool
	Key() string
	Value() string
	Close() error
}

// ctors lets a backend register itself by name so pkg/config can select one
// from a string (spec §4.11 kv.backend), without every caller importing
// every backend package directly.
var ctors = make(map[string]func(path string) (Store, error))

// Register adds a named backend constructor. Backend packages call this
// from an init func.
func Register(name string, fn func(path string) (Store, error)) {
	if name == "" || fn == nil {
		panic("kv: zero name or nil constructor")
	}
	if _, dup := ctors[name]; dup {
		panic("kv: duplicate backend registration: " + name)
	}
	ctors[name] = fn
}

// Open opens the named backend at path. "memory" ignores path.
func Open(backend, path string) (Store, error) {
	ctor, ok := ctors[backend]
	if !ok {
		return nil, model.New(model.KindValidation, "kv: unknown backend "+backend)
	}
	return ctor(path)
}
