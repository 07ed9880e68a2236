// Package ws wraps a gorilla websocket connection with typed JSON inbound and outbound queues
// and keepalives.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 15 * time.Second
	pongWait     = time.Minute
	closeWait    = 5 * time.Second
	writeWait    = 10 * time.Second

	inboxSize  = 64
	outboxSize = 256

	// maxMessageSize bounds inbound messages; STDOUT batches from runners are the largest.
	maxMessageSize = 16 * 1024 * 1024
)

// ErrOutboxFull is returned by TrySend when the peer is not keeping up.
var ErrOutboxFull = errors.New("websocket outbox is full")

// ErrClosed is returned when sending on a finished connection.
var ErrClosed = errors.New("websocket is closed")

// Conn is a thread-safe, typed websocket. Messages are JSON encoded one per frame.
type Conn[TIn, TOut any] struct {
	log  *logrus.Entry
	conn *websocket.Conn

	cancel context.CancelFunc
	inbox  chan TIn
	outbox chan TOut
	done   chan struct{}

	mu        sync.Mutex
	err       *multierror.Error
	closeOnce sync.Once
	closeErr  error
}

// Wrap takes ownership of conn and starts its read and write loops.
func Wrap[TIn, TOut any](log *logrus.Entry, conn *websocket.Conn) *Conn[TIn, TOut] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn[TIn, TOut]{
		log:    log.WithField("remote-addr", conn.RemoteAddr().String()),
		conn:   conn,
		cancel: cancel,
		inbox:  make(chan TIn, inboxSize),
		outbox: make(chan TOut, outboxSize),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.readLoop(ctx); err != nil {
			c.fail(errors.Wrap(err, "read loop"))
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.writeLoop(ctx); err != nil {
			c.fail(errors.Wrap(err, "write loop"))
		}
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
	return c
}

// Inbox yields decoded inbound messages. It is closed when the read loop exits.
func (c *Conn[TIn, TOut]) Inbox() <-chan TIn {
	return c.inbox
}

// Done is closed once both loops have exited. Close must still be called.
func (c *Conn[TIn, TOut]) Done() <-chan struct{} {
	return c.done
}

// Send queues msg, blocking until there is room, the connection ends or ctx is done.
func (c *Conn[TIn, TOut]) Send(ctx context.Context, msg TOut) error {
	select {
	case c.outbox <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues msg without blocking.
func (c *Conn[TIn, TOut]) TrySend(msg TOut) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Err returns the errors the loops exited with, excluding errors from closing.
func (c *Conn[TIn, TOut]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err.ErrorOrNil()
}

// Close performs the close handshake, falling back to dropping the connection.
func (c *Conn[TIn, TOut]) Close() error {
	c.closeOnce.Do(func() {
		var merr *multierror.Error
		if err := c.closeGraceful(); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "gracefully closing"))
			c.cancel()
			if err := c.conn.Close(); err != nil {
				merr = multierror.Append(merr, errors.Wrap(err, "forcibly closing"))
			}
			<-c.done
		}
		c.closeErr = merr.ErrorOrNil()
		c.log.Trace("websocket closed")
	})
	return c.closeErr
}

func (c *Conn[TIn, TOut]) readLoop(ctx context.Context) error {
	defer c.cancel()
	defer close(c.inbox)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return errors.Wrap(err, "setting read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading message")
		case msgType != websocket.TextMessage && msgType != websocket.BinaryMessage:
			return errors.Errorf("unexpected message type %d", msgType)
		case ctx.Err() != nil:
			// Closing; drain until the peer acknowledges.
			continue
		}

		var msg TIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.WithError(err).Warn("dropping malformed message")
			continue
		}
		select {
		case c.inbox <- msg:
		case <-ctx.Done():
		}
	}
}

func (c *Conn[TIn, TOut]) writeLoop(ctx context.Context) error {
	defer c.cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.outbox:
			raw, err := json.Marshal(msg)
			if err != nil {
				return errors.Wrap(err, "encoding message")
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return errors.Wrap(err, "setting write deadline")
			}
			switch err := c.conn.WriteMessage(websocket.TextMessage, raw); {
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return errors.Wrap(err, "writing message")
			}
		case <-ping.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return errors.Wrap(err, "sending ping")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn[TIn, TOut]) closeGraceful() error {
	deadline := time.Now().Add(closeWait)
	c.conn.SetPongHandler(nil)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return errors.Wrap(err, "setting read deadline")
	}
	c.cancel()

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		deadline,
	)
	if err != nil && err != websocket.ErrCloseSent {
		return errors.Wrap(err, "sending close")
	}

	<-c.done
	return errors.Wrap(c.conn.Close(), "closing underlying conn")
}

func (c *Conn[TIn, TOut]) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierror.Append(c.err, err)
}
