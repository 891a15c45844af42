// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package redis persists gateway client sessions in redis hashes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	redis "github.com/go-redis/redis/v8"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/hooks/storage/persist"
)

const (
	defaultAddr    = "localhost:6379"
	defaultHPrefix = "sngateway-" // prefixes every hash created by the gateway
)

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options `yaml:"options" json:"options"`
}

// Hook is a persistent storage hook using Redis as a backend.
type Hook struct {
	persist.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Init connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return gateway.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	db := redis.NewClient(h.config.Options)
	if err := db.Ping(context.Background()).Err(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")
	h.Store = &Store{db: db, prefix: h.config.HPrefix}
	return nil
}

// Store is a storage.Store which keeps each record type in its own redis hash.
// A key "CL_id" is held in the hash "<prefix>CL" under the field "id".
type Store struct {
	db     *redis.Client
	prefix string
}

// locate returns the hash and field holding key.
func (s *Store) locate(key string) (hash, field string) {
	t, id, ok := strings.Cut(key, "_")
	if !ok {
		return s.prefix + key, key
	}
	return s.prefix + t, id
}

// Set marshals v and writes it under key.
func (s *Store) Set(key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	hash, field := s.locate(key)
	return s.db.HSet(context.Background(), hash, field, data).Err()
}

// Get unmarshals the value under key into v.
func (s *Store) Get(key string, v storage.Serializable) error {
	hash, field := s.locate(key)
	data, err := s.db.HGet(context.Background(), hash, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	return v.UnmarshalBinary(data)
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	hash, field := s.locate(key)
	return s.db.HDel(context.Background(), hash, field).Err()
}

// Iterate visits every value in the hash of the record type prefix, ordered by field.
func (s *Store) Iterate(prefix string, visit func([]byte) error) error {
	rows, err := s.db.HGetAll(context.Background(), s.prefix+prefix).Result()
	if err != nil {
		return err
	}

	fields := make([]string, 0, len(rows))
	for f := range rows {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		if err := visit([]byte(rows[f])); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the redis connection.
func (s *Store) Close() error {
	return s.db.Close()
}
