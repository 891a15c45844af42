// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric name.
const Namespace = "sngateway"

// Info contains atomic counters and values for various gateway statistics.
type Info struct {
	Version           string `json:"version"`            // the current version of the gateway
	Started           int64  `json:"started"`            // the time the gateway started in unix seconds
	Time              int64  `json:"time"`               // current time on the gateway
	Uptime            int64  `json:"uptime"`             // the number of seconds the gateway has been online
	BytesReceived     int64  `json:"bytes_received"`     // total number of bytes received from the sensor network
	BytesSent         int64  `json:"bytes_sent"`         // total number of bytes sent to the sensor network
	PacketsReceived   int64  `json:"packets_received"`   // total number of datagrams accepted from the sensor network
	PacketsSent       int64  `json:"packets_sent"`       // total number of datagrams sent to the sensor network
	PacketsDropped    int64  `json:"packets_dropped"`    // datagrams discarded as malformed, unassociated or unwanted
	PacketsThrottled  int64  `json:"packets_throttled"`  // datagrams discarded by rate limiting
	MessagesReceived  int64  `json:"messages_received"`  // publish messages received from clients
	MessagesSent      int64  `json:"messages_sent"`      // publish messages delivered to clients
	ClientsConnected  int64  `json:"clients_connected"`  // clients whose broker session has been accepted
	ClientsRegistered int64  `json:"clients_registered"` // clients currently held by the registry
	ClientsMaximum    int64  `json:"clients_maximum"`    // the most clients registered at once
	ClientsTotal      int64  `json:"clients_total"`      // total number of clients registered since start
	ClientsRejected   int64  `json:"clients_rejected"`   // registrations refused for capacity or authorization
	BrokerSessions    int64  `json:"broker_sessions"`    // open broker sessions
	Advertisements    int64  `json:"advertisements"`     // ADVERTISE broadcasts sent
	QueuedPackets     int64  `json:"queued_packets"`     // depth of the packet handling queue at the last tick
	QueuedClientSends int64  `json:"queued_client_sends"`
	QueuedBrokerSends int64  `json:"queued_broker_sends"`
	MemoryAlloc       int64  `json:"memory_alloc"` // memory currently allocated
	Threads           int64  `json:"threads"`      // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:           i.Version,
		Started:           atomic.LoadInt64(&i.Started),
		Time:              atomic.LoadInt64(&i.Time),
		Uptime:            atomic.LoadInt64(&i.Uptime),
		BytesReceived:     atomic.LoadInt64(&i.BytesReceived),
		BytesSent:         atomic.LoadInt64(&i.BytesSent),
		PacketsReceived:   atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:       atomic.LoadInt64(&i.PacketsSent),
		PacketsDropped:    atomic.LoadInt64(&i.PacketsDropped),
		PacketsThrottled:  atomic.LoadInt64(&i.PacketsThrottled),
		MessagesReceived:  atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:      atomic.LoadInt64(&i.MessagesSent),
		ClientsConnected:  atomic.LoadInt64(&i.ClientsConnected),
		ClientsRegistered: atomic.LoadInt64(&i.ClientsRegistered),
		ClientsMaximum:    atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:      atomic.LoadInt64(&i.ClientsTotal),
		ClientsRejected:   atomic.LoadInt64(&i.ClientsRejected),
		BrokerSessions:    atomic.LoadInt64(&i.BrokerSessions),
		Advertisements:    atomic.LoadInt64(&i.Advertisements),
		QueuedPackets:     atomic.LoadInt64(&i.QueuedPackets),
		QueuedClientSends: atomic.LoadInt64(&i.QueuedClientSends),
		QueuedBrokerSends: atomic.LoadInt64(&i.QueuedBrokerSends),
		MemoryAlloc:       atomic.LoadInt64(&i.MemoryAlloc),
		Threads:           atomic.LoadInt64(&i.Threads),
	}
}

// Fields returns the numeric values keyed on their json names.
func (i *Info) Fields() map[string]any {
	c := i.Clone()
	return map[string]any{
		"uptime":              c.Uptime,
		"bytes_received":      c.BytesReceived,
		"bytes_sent":          c.BytesSent,
		"packets_received":    c.PacketsReceived,
		"packets_sent":        c.PacketsSent,
		"packets_dropped":     c.PacketsDropped,
		"packets_throttled":   c.PacketsThrottled,
		"messages_received":   c.MessagesReceived,
		"messages_sent":       c.MessagesSent,
		"clients_connected":   c.ClientsConnected,
		"clients_registered":  c.ClientsRegistered,
		"clients_maximum":     c.ClientsMaximum,
		"clients_total":       c.ClientsTotal,
		"clients_rejected":    c.ClientsRejected,
		"broker_sessions":     c.BrokerSessions,
		"advertisements":      c.Advertisements,
		"queued_packets":      c.QueuedPackets,
		"queued_client_sends": c.QueuedClientSends,
		"queued_broker_sends": c.QueuedBrokerSends,
		"memory_alloc":        c.MemoryAlloc,
		"threads":             c.Threads,
	}
}

// RegisterPrometheusMetrics exposes the counters on a registry. The default
// registerer is used if registry is nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"g", "uptime_seconds", "A gauge of the number of seconds the gateway has been online", &i.Uptime},
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
		{"c", "packets_dropped", "A counter of packets discarded on ingress", &i.PacketsDropped},
		{"c", "packets_throttled", "A counter of packets discarded by rate limiting", &i.PacketsThrottled},
		{"c", "messages_received", "A counter of publish messages received from clients", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of publish messages sent to clients", &i.MessagesSent},
		{"g", "clients_connected", "A gauge of clients with an accepted broker session", &i.ClientsConnected},
		{"g", "clients_registered", "A gauge of clients held by the registry", &i.ClientsRegistered},
		{"g", "clients_maximum", "A gauge of the most clients registered at once", &i.ClientsMaximum},
		{"c", "clients_total", "A counter of clients registered since start", &i.ClientsTotal},
		{"c", "clients_rejected", "A counter of refused registrations", &i.ClientsRejected},
		{"g", "broker_sessions", "A gauge of open broker sessions", &i.BrokerSessions},
		{"c", "advertisements", "A counter of ADVERTISE broadcasts", &i.Advertisements},
		{"g", "queued_packets", "A gauge of the packet handling queue depth", &i.QueuedPackets},
		{"g", "queued_client_sends", "A gauge of the client send queue depth", &i.QueuedClientSends},
		{"g", "queued_broker_sends", "A gauge of the broker send queue depth", &i.QueuedBrokerSends},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(
				prometheus.NewCounterFunc(
					prometheus.CounterOpts{
						Namespace: Namespace,
						Name:      m.name,
						Help:      m.help,
					},
					fn,
				),
			)
		case "g":
			registry.MustRegister(
				prometheus.NewGaugeFunc(
					prometheus.GaugeOpts{
						Namespace: Namespace,
						Name:      m.name,
						Help:      m.help,
					},
					fn,
				),
			)
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
