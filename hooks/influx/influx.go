// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package influx exports the gateway statistics to InfluxDB.
package influx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/system"
)

const (
	defaultURL         = "http://localhost:8086"
	defaultMeasurement = "gateway"
	defaultTimeout     = 5 * time.Second
)

// ErrServerUnhealthy indicates the InfluxDB server answered a ping but is not ready.
var ErrServerUnhealthy = errors.New("influxdb server not healthy")

// Options contains configuration settings for the InfluxDB export.
type Options struct {
	URL         string        `yaml:"url" json:"url"`
	Token       string        `yaml:"token" json:"token"`
	Org         string        `yaml:"org" json:"org"`
	Bucket      string        `yaml:"bucket" json:"bucket"`
	Measurement string        `yaml:"measurement" json:"measurement"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// Hook writes a point of gateway counters on every sys info tick.
type Hook struct {
	gateway.HookBase
	config *Options
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "influx"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		gateway.OnSysInfoTick,
	}, []byte{b})
}

// Init connects to the InfluxDB server.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return gateway.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.URL == "" {
		h.config.URL = defaultURL
	}

	if h.config.Measurement == "" {
		h.config.Measurement = defaultMeasurement
	}

	if h.config.Timeout <= 0 {
		h.config.Timeout = defaultTimeout
	}

	h.client = influxdb2.NewClientWithOptions(h.config.URL, h.config.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(h.config.Timeout/time.Second)+1))

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	healthy, err := h.client.Ping(ctx)
	if err != nil {
		h.client.Close()
		return fmt.Errorf("influxdb ping failed: %w", err)
	}

	if !healthy {
		h.client.Close()
		return ErrServerUnhealthy
	}

	h.writer = h.client.WriteAPIBlocking(h.config.Org, h.config.Bucket)
	return nil
}

// Stop closes the InfluxDB client.
func (h *Hook) Stop() error {
	if h.client != nil {
		h.client.Close()
	}
	return nil
}

// OnSysInfoTick writes the latest statistics.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.writer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	if err := h.writer.WritePoint(ctx, h.point(sys)); err != nil {
		h.Log.Warn("failed to write statistics", "error", err, "url", h.config.URL)
	}
}

// point returns the statistics as an InfluxDB point.
func (h *Hook) point(sys *system.Info) *write.Point {
	tags := map[string]string{
		"version": sys.Version,
	}

	if h.Opts != nil && h.Opts.Capabilities != nil {
		tags["gateway_id"] = strconv.Itoa(h.Opts.Capabilities.GatewayID)
	}

	ts := time.Now()
	if sys.Time > 0 {
		ts = time.Unix(sys.Time, 0)
	}

	return write.NewPoint(h.config.Measurement, tags, sys.Fields(), ts)
}
