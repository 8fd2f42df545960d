package gateway

import (
	"io"
	"sync"
	"time"

	"github.com/ggoodman/guild-gateway-go/internal/session"
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to session.Conn. A reader goroutine
// owns every read; data messages and ping/pong control frames are forwarded
// to the session loop unchanged.
//
// The message size limit is enforced here rather than with SetReadLimit,
// which would answer with its own 1009 close instead of letting the session
// close with InvalidPacket.
type wsConn struct {
	ws        *websocket.Conn
	readLimit int64
	frames    chan session.Frame
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
}

func newWSConn(ws *websocket.Conn, readLimit int64, writeWait time.Duration) *wsConn {
	c := &wsConn{
		ws:        ws,
		readLimit: readLimit,
		frames:    make(chan session.Frame, 16),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
	ws.SetPingHandler(func(data string) error {
		c.push(session.Frame{Kind: session.FramePing, Data: []byte(data)})
		return nil
	})
	ws.SetPongHandler(func(data string) error {
		c.push(session.Frame{Kind: session.FramePong, Data: []byte(data)})
		return nil
	})
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			c.push(session.Frame{Kind: session.FrameClosed, Err: err})
			return
		}
		data, err := io.ReadAll(io.LimitReader(r, c.readLimit+1))
		if err != nil {
			c.push(session.Frame{Kind: session.FrameClosed, Err: err})
			return
		}
		if int64(len(data)) > c.readLimit {
			// The rest of the message is discarded by the next NextReader.
			if !c.push(session.Frame{Kind: session.FrameOversize}) {
				return
			}
			continue
		}
		kind := session.FrameBinary
		if mt == websocket.TextMessage {
			kind = session.FrameText
		}
		if !c.push(session.Frame{Kind: kind, Data: data}) {
			return
		}
	}
}

func (c *wsConn) push(f session.Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) Frames() <-chan session.Frame { return c.frames }

func (c *wsConn) WriteText(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WritePing(data []byte) error {
	return c.ws.WriteControl(websocket.PingMessage, data, time.Now().Add(c.writeWait))
}

func (c *wsConn) WritePong(data []byte) error {
	return c.ws.WriteControl(websocket.PongMessage, data, time.Now().Add(c.writeWait))
}

func (c *wsConn) WriteClose(code uint16, text string) error {
	msg := websocket.FormatCloseMessage(int(code), text)
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

var _ session.Conn = (*wsConn)(nil)
