// internal/store/store.go
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"

	"gossipsim/internal/crypto"
	"gossipsim/internal/sim"
)

const runPrefix = "run/"

var ErrMissingKey = errors.New("record key missing")

// Record is the stored result of one run.
type Record struct {
	Key        string            `cbor:"key"`
	Config     sim.RunConfig     `cbor:"config"`
	Adversary  string            `cbor:"adversary"`
	Variant    string            `cbor:"variant"`
	Replicate  int               `cbor:"replicate"`
	Seed       crypto.Seed       `cbor:"seed"`
	Metrics    []sim.RoundMetric `cbor:"metrics"`
	Partial    bool              `cbor:"partial"`
	FinishedAt time.Time         `cbor:"finished_at"`
}

// RecordKey identifies a run across restarts of a sweep. variant is
// sim.Options.Variant of the engine that produced it.
func RecordKey(cfg sim.RunConfig, variant string, replicate int) string {
	return fmt.Sprintf("%s,variant=%s,rep=%d", cfg.Key(), variant, replicate)
}

func Encode(r Record) ([]byte, error) {
	return cbor.Marshal(r)
}

func Decode(data []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Store keeps run records in a badger database, one key per run.
type Store struct {
	db *badger.DB
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	return open(opts)
}

func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Put(r Record) error {
	if r.Key == "" {
		return ErrMissingKey
	}
	data, err := Encode(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.Key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+r.Key), data)
	})
}

func (s *Store) Get(key string) (Record, bool, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := Decode(val)
			rec = r
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Each visits records in key order. Returning an error from fn stops the scan.
func (s *Store) Each(fn func(Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				r, err := Decode(val)
				rec = r
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
