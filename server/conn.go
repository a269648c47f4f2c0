package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsConn adapts a websocket to Conn. Frames are queued on a bounded buffer
// and written by writePump, the only goroutine that writes to the socket.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	log zerolog.Logger

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newWSConn(id string, ws *websocket.Conn, log zerolog.Logger, sendBuffer int, writeTimeout, pingInterval time.Duration) *wsConn {
	return &wsConn{
		id:           id,
		ws:           ws,
		log:          log,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send queues frame, dropping it when the connection is closing or its
// buffer is full.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

// Close asks writePump to flush queued frames, send a close frame with code
// and reason, and release the socket.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	defer func() {
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing socket")
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// flush writes whatever was queued before Close.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) writeClose() {
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, c.deadline())
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close frame")
	}
}

// deadline is the zero time, meaning none, when no write timeout is set.
func (c *wsConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, websocket.ErrCloseSent)
}

// logReadError reports why a read loop ended, quietly for ordinary closes.
func logReadError(log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Err(err).Msg("frame exceeded size limit")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug().Err(err).Msg("client closed connection")
	case isExpectedCloseError(err):
		log.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err):
		log.Info().Err(err).Msg("connection lost")
	default:
		log.Debug().Err(err).Msg("read error")
	}
}
