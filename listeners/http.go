// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	httpTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// httpListener is the http server shared by the http listeners.
type httpListener struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	listen  *http.Server // the http server
	log     *slog.Logger
	end     atomic.Bool // ensure the close methods are only called once
}

func newHTTPListener(config Config) httpListener {
	return httpListener{
		id:      config.ID,
		address: config.Address,
		config:  config,
	}
}

// ID returns the id of the listener.
func (l *httpListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *httpListener) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *httpListener) Protocol() string {
	if l.config.TLSConfig != nil {
		return "https"
	}
	return "http"
}

// setHandler prepares the http server to serve handler.
func (l *httpListener) setHandler(log *slog.Logger, handler http.Handler) {
	l.log = log
	l.listen = &http.Server{
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
		Addr:         l.address,
		Handler:      handler,
		TLSConfig:    l.config.TLSConfig,
	}
}

// Serve starts listening for new connections and serving responses.
func (l *httpListener) Serve() {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) && l.log != nil {
		l.log.Error("http listener stopped", "listener", l.id, "error", err)
	}
}

// Close gracefully shuts down the http server.
func (l *httpListener) Close() {
	l.Lock()
	defer l.Unlock()

	if l.end.CompareAndSwap(false, true) && l.listen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}
}
