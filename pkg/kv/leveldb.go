package kv

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/letuhao/imagevault/pkg/model"
)

// OpenLevelDB opens (creating if absent) an embedded goleveldb database at
// path. This mirrors perkeep's pkg/sorted/leveldb backend: a bloom filter
// tuned to the default false-positive rate, and unsynced writes, since on a
// crash the cache/job state this package holds is always rebuildable from
// the Artifact Store and metadata Repository rather than being the sole
// copy of anything durable.
func OpenLevelDB(path string) (Store, error) {
	opts := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "kv: open leveldb")
	}
	return &levelStore{db: db}, nil
}

type levelStore struct {
	db *leveldb.DB
}

func (s *levelStore) Get(key string) (string, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", ErrNotFound
		}
		return "", model.Wrap(model.KindInfrastructureUnavailable, err, "kv: get")
	}
	return string(v), nil
}

func (s *levelStore) Set(key, value string) error {
	if err := s.db.Put([]byte(key), []byte(value), nil); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "kv: set")
	}
	return nil
}

func (s *levelStore) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "kv: delete")
	}
	return nil
}

func (s *levelStore) Find(start, end string) Iterator {
	var startB, endB []byte
	if start != "" {
		startB = []byte(start)
	}
	if end != "" {
		endB = []byte(end)
	}
	it := s.db.NewIterator(&util.Range{Start: startB, Limit: endB}, nil)
	return &levelIter{it: it}
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelIter struct {
	it iterator.Iterator
}

func (it *levelIter) Next() bool    { return it.it.Next() }
func (it *levelIter) Key() string   { return string(it.it.Key()) }
func (it *levelIter) Value() string { return string(it.it.Value()) }
func (it *levelIter) Close() error  { it.it.Release(); return it.it.Error() }

func init() {
	Register("leveldb", func(path string) (Store, error) {
		return OpenLevelDB(path)
	})
}
