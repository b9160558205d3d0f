// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/arbor-chat/arbor/wire"
)

// Transport dials the server. Swappable so tests can run the state
// machine against an in-memory peer.
type Transport interface {
	Dial(ctx context.Context, url string) (TransportConn, error)
}

// TransportConn is one established connection. Receive blocks until a
// frame arrives or the connection dies.
type TransportConn interface {
	Send(ev wire.Event) error
	Receive() (wire.Event, error)
	Close() error
}

// WebsocketTransport dials with gorilla's default dialer.
type WebsocketTransport struct{}

func (WebsocketTransport) Dial(ctx context.Context, url string) (TransportConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	ws.SetReadLimit(4 * 1024 * 1024)
	return &websocketConn{ws: ws}, nil
}

// websocketConn serializes sends on a mutex: gorilla permits one
// concurrent writer, and the ping loop shares the connection with
// user-initiated sends.
type websocketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *websocketConn) Send(ev wire.Event) error {
	frame, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *websocketConn) Receive() (wire.Event, error) {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		ev, err := wire.Decode(frame)
		if err != nil {
			// Skip frames from a newer server rather than dying on
			// them.
			continue
		}
		return ev, nil
	}
}

func (c *websocketConn) Close() error { return c.ws.Close() }
