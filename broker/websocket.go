// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidMessage indicates that a message payload was not valid.
	ErrInvalidMessage = errors.New("message type not binary")
)

// wsConn is a websocket connection which satisfies the net.Conn interface, so
// broker packets can be streamed across websocket frames.
type wsConn struct {
	*websocket.Conn
	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex
}

// newWsConn wraps a websocket connection.
func newWsConn(c *websocket.Conn) net.Conn {
	return &wsConn{Conn: c}
}

// Read reads from the current websocket frame, advancing to the next frame once
// the current one is exhausted.
func (ws *wsConn) Read(p []byte) (int, error) {
	ws.rio.Lock()
	defer ws.rio.Unlock()

	for {
		if ws.r == nil {
			op, r, err := ws.NextReader()
			if err != nil {
				return 0, err
			}

			if op != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}
			ws.r = r
		}

		n, err := ws.r.Read(p)
		if errors.Is(err, io.EOF) {
			ws.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

// Write writes bytes to the websocket connection as a single binary frame.
func (ws *wsConn) Write(p []byte) (int, error) {
	ws.wio.Lock()
	defer ws.wio.Unlock()

	err := ws.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// SetDeadline sets both the read and write deadlines.
func (ws *wsConn) SetDeadline(t time.Time) error {
	if err := ws.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}

// Close signals the underlying websocket conn to close.
func (ws *wsConn) Close() error {
	return ws.Conn.Close()
}
