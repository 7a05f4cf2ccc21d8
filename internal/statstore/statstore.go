// Package statstore persists per-session speaker statistics in BadgerDB so
// that a restarted process can resume a session's selection state.
//
// Values are msgpack-encoded [types.SpeakerStats] under the key
// "stats/<session>/<speaker>".
package statstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/voicesift/pkg/types"
)

// ErrNotFound is returned by [Store.Get] for unknown keys.
var ErrNotFound = errors.New("statstore: not found")

const keyPrefix = "stats/"

// Options configures [Open].
type Options struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
}

// Store is a BadgerDB-backed stats store. It is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("statstore: dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(slogLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("statstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func key(sessionID, speakerID string) []byte {
	return []byte(keyPrefix + sessionID + "/" + speakerID)
}

func sessionPrefix(sessionID string) []byte {
	return []byte(keyPrefix + sessionID + "/")
}

// Save writes st under its SessionID and SpeakerID.
func (s *Store) Save(_ context.Context, st types.SpeakerStats) error {
	if st.SessionID == "" || st.SpeakerID == "" {
		return errors.New("statstore: save: session and speaker IDs are required")
	}
	if strings.Contains(st.SessionID, "/") {
		return fmt.Errorf("statstore: save: session ID %q must not contain '/'", st.SessionID)
	}
	data, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("statstore: encode: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(st.SessionID, st.SpeakerID), data)
	})
	if err != nil {
		return fmt.Errorf("statstore: save: %w", err)
	}
	return nil
}

// Get returns the stats of one speaker in a session.
func (s *Store) Get(_ context.Context, sessionID, speakerID string) (types.SpeakerStats, error) {
	var st types.SpeakerStats
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sessionID, speakerID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.SpeakerStats{}, ErrNotFound
	}
	if err != nil {
		return types.SpeakerStats{}, fmt.Errorf("statstore: get: %w", err)
	}
	return st, nil
}

// Load returns every speaker's stats for sessionID in key order.
func (s *Store) Load(_ context.Context, sessionID string) ([]types.SpeakerStats, error) {
	prefix := sessionPrefix(sessionID)
	var out []types.SpeakerStats
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st types.SpeakerStats
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statstore: load %q: %w", sessionID, err)
	}
	return out, nil
}

// DeleteSession removes every record of sessionID.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	prefix := sessionPrefix(sessionID)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("statstore: delete session: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("statstore: delete session: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("statstore: delete session: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// slogLogger routes badger's warnings and errors to slog and drops the
// chatty levels.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any) {
	slog.Error("statstore: badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogLogger) Warningf(f string, v ...any) {
	slog.Warn("statstore: badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogLogger) Infof(string, ...any)  {}
func (slogLogger) Debugf(string, ...any) {}
