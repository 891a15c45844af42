// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mochi-mqtt/sngateway/system"
)

// HTTPStats is a listener for presenting the gateway statistics on a JSON http
// endpoint, and as prometheus metrics on /metrics.
type HTTPStats struct {
	httpListener
	registry *prometheus.Registry // metrics registry for the gateway counters
	sysInfo  *system.Info         // pointers to the gateway data
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpListener: newHTTPListener(config),
		sysInfo:      sysInfo,
	}
}

// Init registers the gateway counters and prepares the endpoints.
func (l *HTTPStats) Init(log *slog.Logger) error {
	l.registry = prometheus.NewRegistry()
	l.registry.MustRegister(collectors.NewGoCollector())
	if l.sysInfo != nil {
		l.sysInfo.RegisterPrometheusMetrics(l.registry)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	l.setHandler(log, mux)
	return nil
}

// jsonHandler is an HTTP handler which outputs the gateway statistics as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	if l.sysInfo == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
