// Package ingress implements the Ingress Dispatcher: connection accept,
// role enforcement, frame-size/rate validation, and routing of decoded
// frames to the Session Directory, Emotion Analyzer, Transcription Pump,
// and Translation Fan-Out Orchestrator.
package ingress

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// MessageType mirrors the two wire framings this build cares about: JSON
// control frames over Text, raw PCM16 audio over Binary.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

// Conn is the narrow per-connection transport surface the dispatcher
// drives, factored out so the concrete transport stays swappable behind
// this boundary.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(reason string) error
}

// Transport accepts an inbound connection and returns it behind Conn.
type Transport interface {
	Accept(w http.ResponseWriter, r *http.Request) (Conn, error)
}

// WebsocketTransport adapts github.com/coder/websocket to Transport/Conn.
type WebsocketTransport struct {
	AcceptOptions *websocket.AcceptOptions
}

func (t *WebsocketTransport) Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := websocket.Accept(w, r, t.AcceptOptions)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	return fromWire(typ), data, nil
}

func (c *wsConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	return c.conn.Write(ctx, toWire(typ), data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func fromWire(t websocket.MessageType) MessageType {
	if t == websocket.MessageBinary {
		return MessageBinary
	}
	return MessageText
}

func toWire(t MessageType) websocket.MessageType {
	if t == MessageBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
