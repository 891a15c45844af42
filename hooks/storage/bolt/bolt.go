// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt persists gateway client sessions in a boltdb file.
package bolt

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/hooks/storage/persist"
)

const (
	defaultDbFile  = ".bolt"
	defaultTimeout = 250 * time.Millisecond // time to wait for the file lock
	defaultBucket  = "sngateway"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a boltdb file store as a backend.
type Hook struct {
	persist.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Init opens the boltdb file and ensures the bucket exists.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return gateway.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.Bucket == "" {
		h.config.Bucket = defaultBucket
	}

	db, err := bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	h.Store = &Store{db: db, bucket: []byte(h.config.Bucket)}
	return nil
}

// Store is a storage.Store over a single boltdb bucket.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

// Set marshals v and puts it under key.
func (s *Store) Set(key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
}

// Get unmarshals the value under key into v.
func (s *Store) Get(key string, v storage.Serializable) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(s.bucket).Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		return v.UnmarshalBinary(value)
	})
}

// Delete removes key from the bucket.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Iterate visits the values of all keys with prefix in key order. Values are
// only valid for the duration of the visit.
func (s *Store) Iterate(prefix string, visit func([]byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the boltdb file.
func (s *Store) Close() error {
	return s.db.Close()
}
