// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HTTPHealthCheck is a listener for providing an HTTP healthcheck endpoint. The
// endpoint answers 503 until the ready probe reports the gateway is serving.
type HTTPHealthCheck struct {
	httpListener
	ready func() bool
}

// health is the body of a healthcheck response.
type health struct {
	Status string `json:"status"`
}

// NewHTTPHealthCheck initialises and returns a new HTTP listener, listening on an
// address. A nil ready probe always reports ready.
func NewHTTPHealthCheck(config Config, ready func() bool) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		httpListener: newHTTPListener(config),
		ready:        ready,
	}
}

// Init initializes the listener.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", l.handler)
	l.setHandler(log, mux)
	return nil
}

func (l *HTTPHealthCheck) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, code := "ok", http.StatusOK
	if l.ready != nil && !l.ready() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health{Status: status})
}
