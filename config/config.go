// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config loads the gateway options from YAML or JSON config data and
// SNGW_ prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/debug"
	"github.com/mochi-mqtt/sngateway/hooks/influx"
	"github.com/mochi-mqtt/sngateway/hooks/storage/badger"
	"github.com/mochi-mqtt/sngateway/hooks/storage/bolt"
	"github.com/mochi-mqtt/sngateway/hooks/storage/pebble"
	"github.com/mochi-mqtt/sngateway/hooks/storage/redis"
)

const (
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "SNGW_"

	LoggingOutputJSON = "JSON"
	LoggingOutputText = "TEXT"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	gateway.Options `yaml:",inline"`
	Logging         Logging     `yaml:"logging" json:"logging"`
	HookConfigs     HookConfigs `yaml:"hooks" json:"hooks"`
}

// Logging selects the level and format of the gateway logs.
type Logging struct {
	Output string `yaml:"output" json:"output" env:"OUTPUT"` // TEXT or JSON
	Level  string `yaml:"level" json:"level" env:"LEVEL"`    // DEBUG, INFO, WARN or ERROR
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
	Influx  *influx.Options    `yaml:"influx" json:"influx"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// ToHooks converts Hook file configurations into Hooks to be added to the gateway.
func (hc HookConfigs) ToHooks() []gateway.HookLoadConfig {
	var hlc []gateway.HookLoadConfig

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil && hc.Debug.Enable {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	if hc.Influx != nil {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(influx.Hook),
			Config: hc.Influx,
		})
	}

	return hlc
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []gateway.HookLoadConfig {
	var hlc []gateway.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, gateway.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}
	return hlc
}

// parse unmarshals JSON or YAML config data. JSON is detected by a leading brace.
func parse(b []byte) (*config, error) {
	c := new(config)
	if len(b) == 0 {
		return c, nil
	}

	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid gateway options value.
// Any hooks configurations are converted into Hooks using the toHooks methods in this package.
func FromBytes(b []byte) (*gateway.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}

	c, err := parse(b)
	if err != nil {
		return nil, err
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()

	return &o, nil
}

// Load builds the gateway options from optional config data, overlays any
// SNGW_ environment variables, and attaches a logger which writes to w.
func Load(b []byte, w io.Writer) (*gateway.Options, error) {
	c, err := parse(b)
	if err != nil {
		return nil, err
	}

	if c.Capabilities == nil {
		c.Capabilities = gateway.NewDefaultCapabilities()
	}

	if err := env.ParseWithOptions(&c.Options, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := env.ParseWithOptions(&c.Logging, env.Options{Prefix: EnvPrefix + "LOG_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Logger = NewLogger(c.Logging, w)

	return &o, nil
}

// NewLogger returns a slog logger for the logging configuration. Unrecognised
// levels default to info, and unrecognised outputs to text.
func NewLogger(config Logging, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			slog.Warn("logging level not recognized, defaulting to info", "level", config.Level)
			level = slog.LevelInfo
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToUpper(config.Output) {
	case LoggingOutputJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
