// Package websocket adapts Fiber websocket connections to the realtime core.
//
// The HTTP side (upgrade check, credential extraction) lives in Upgrade; the
// frame side lives in Transport, which implements realtime.Transport on top of
// a *websocket.Conn from github.com/gofiber/contrib/websocket.
package websocket

import (
	"errors"
	"sync"
	"time"

	fws "github.com/gofiber/contrib/websocket"
)

// Options bounds a single websocket connection.
type Options struct {
	MaxFrameBytes int64         // inbound frames larger than this close the connection
	WriteTimeout  time.Duration // deadline for each write and control frame
	PongWait      time.Duration // read deadline, extended by every pong and every frame
}

func (o *Options) norm() {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
}

var errClosed = errors.New("websocket closed")

// Transport is one websocket connection seen as a frame stream.
type Transport struct {
	conn *fws.Conn
	opts Options

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport configures conn's read limit, read deadline and pong handler.
func NewTransport(conn *fws.Conn, opts Options) *Transport {
	opts.norm()
	t := &Transport{conn: conn, opts: opts, closed: make(chan struct{})}

	conn.SetReadLimit(opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	return t
}

// ReadFrame blocks for the next text or binary message.
func (t *Transport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return nil, errClosed
			default:
				return nil, err
			}
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		if kind == fws.TextMessage || kind == fws.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame sends payload as one text message.
func (t *Transport) WriteFrame(payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(fws.TextMessage, payload)
}

// Ping sends a ping control frame.
func (t *Transport) Ping() error {
	return t.conn.WriteControl(fws.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call does anything.
func (t *Transport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := fws.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(fws.CloseMessage, msg, time.Now().Add(t.opts.WriteTimeout))
		err = t.conn.Close()
	})
	return err
}
