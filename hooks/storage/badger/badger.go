// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger persists gateway client sessions in a BadgerDB store.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/hooks/storage/persist"
)

const (
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// It must be in the range (0.0, 1.0), both endpoints excluded, otherwise it is set to 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Hook is a persistent storage hook using a BadgerDB file store as a backend.
type Hook struct {
	persist.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
}

// Init opens the badger database and starts its value log garbage collection.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return gateway.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.GcInterval == 0 {
		h.config.GcInterval = defaultGcInterval
	}

	if h.config.GcDiscardRatio <= 0.0 || h.config.GcDiscardRatio >= 1.0 {
		h.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if h.config.Options == nil {
		opts := badgerdb.DefaultOptions(h.config.Path)
		h.config.Options = &opts
	}
	h.config.Options.Logger = &logger{log: h.Log}

	db, err := badgerdb.Open(*h.config.Options)
	if err != nil {
		return err
	}

	h.Store = newStore(db, time.Duration(h.config.GcInterval)*time.Second, h.config.GcDiscardRatio)
	return nil
}

// Store is a storage.Store over a badger database.
type Store struct {
	db       *badgerdb.DB
	done     chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
	discard  float64
}

func newStore(db *badgerdb.DB, interval time.Duration, discard float64) *Store {
	s := &Store{
		db:       db,
		done:     make(chan struct{}),
		interval: interval,
		discard:  discard,
	}

	s.wg.Add(1)
	go s.gcLoop()
	return s
}

// gcLoop runs the value log garbage collection every interval until the store is closed.
func (s *Store) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(s.discard) == nil {
			}
		}
	}
}

// Set marshals v and writes it under key.
func (s *Store) Set(key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Get unmarshals the value under key into v.
func (s *Store) Get(key string, v storage.Serializable) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(v.UnmarshalBinary)
	})
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Iterate visits the values of all keys with prefix in key order.
func (s *Store) Iterate(prefix string, visit func([]byte) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		p := []byte(prefix)
		iter := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iter.Close()

		for iter.Seek(p); iter.ValidForPrefix(p); iter.Next() {
			if err := iter.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops the garbage collection and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// logger adapts slog to the badger logging interface.
type logger struct {
	log *slog.Logger
}

func format(m string, v ...any) string {
	return fmt.Sprintf(strings.ToLower(strings.TrimSpace(m)), v...)
}

// Errorf satisfies the badger interface for an error logger.
func (l *logger) Errorf(m string, v ...any) {
	l.log.Error(format(m, v...))
}

// Warningf satisfies the badger interface for a warning logger.
func (l *logger) Warningf(m string, v ...any) {
	l.log.Warn(format(m, v...))
}

// Infof satisfies the badger interface for an info logger.
func (l *logger) Infof(m string, v ...any) {
	l.log.Info(format(m, v...))
}

// Debugf satisfies the badger interface for a debug logger.
func (l *logger) Debugf(m string, v ...any) {
	l.log.Debug(format(m, v...))
}
