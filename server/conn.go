// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/arbor-chat/arbor/wire"
)

// wsConn adapts a gorilla connection to session.Conn. Gorilla permits
// one concurrent writer, so sends serialize on a mutex.
type wsConn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(wire.MaxFrameSize)
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(ev wire.Event) error {
	frame, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", ev.EventType(), err)
	}
	return nil
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}
