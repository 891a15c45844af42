// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble persists gateway client sessions in a pebble database.
package pebble

import (
	"errors"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/hooks/storage/persist"
)

const (
	defaultDbFile = ".pebble"

	NoSync = "NoSync" // writes are not synchronized to disk
	Sync   = "Sync"   // every write is synchronized to disk
)

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a pebble DB file store as a backend.
type Hook struct {
	persist.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init opens the pebble database.
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

	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	mode := pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		mode = pebbledb.Sync
	}

	db, err := pebbledb.Open(h.config.Path, h.config.Options)
	if err != nil {
		return err
	}

	h.Store = &Store{db: db, mode: mode}
	return nil
}

// keyUpperBound returns the smallest key greater than every key with prefix b,
// or nil if there is none.
func keyUpperBound(b []byte) []byte {
	end := append([]byte{}, b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Store is a storage.Store over a pebble database.
type Store struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions
}

// Set marshals v and writes it under key.
func (s *Store) Set(key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, s.mode)
}

// Get unmarshals the value under key into v.
func (s *Store) Get(key string, v storage.Serializable) error {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	return v.UnmarshalBinary(value)
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), s.mode)
}

// Iterate visits the values of all keys with prefix in key order.
func (s *Store) Iterate(prefix string, visit func([]byte) error) error {
	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
