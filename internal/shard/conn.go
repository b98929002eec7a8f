package shard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kanri/protocol"
)

// outboxSize bounds queued outbound messages per connection.
const outboxSize = 256

// Conn is a Worker backed by a reader/writer pair speaking the JSON-lines
// protocol. A Process creates one Conn per spawned child; tests use Conn
// directly over io.Pipe.
type Conn struct {
	id     int
	logger *slog.Logger

	dec *protocol.Decoder
	enc *protocol.Encoder

	ready  atomic.Bool
	outbox chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn returns a connection for shard id reading from r and writing to w.
// Call Serve to start moving messages.
func NewConn(id int, r io.Reader, w io.Writer, logger *slog.Logger) *Conn {
	return &Conn{
		id:     id,
		logger: logger.With("shard", id),
		dec:    protocol.NewDecoder(r),
		enc:    protocol.NewEncoder(w),
		outbox: make(chan protocol.Message, outboxSize),
		done:   make(chan struct{}),
	}
}

// ID returns the shard identity.
func (c *Conn) ID() int { return c.id }

// Ready reports whether the peer has sent a ready message.
func (c *Conn) Ready() bool { return c.ready.Load() }

// Send queues msg for the writer goroutine. It blocks only while the outbox
// is full.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve reads messages until the reader is exhausted or ctx is cancelled.
// A ready message flips the readiness flag and invokes onReady; every other
// message is forwarded to inbound. Serve closes the connection on return.
func (c *Conn) Serve(ctx context.Context, inbound chan<- Envelope, onReady func(*Conn)) error {
	defer c.Close()

	go c.writeLoop()

	for {
		msg, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.logger.Warn("shard: dropping malformed message", "type", msg.Type, "error", err)
				c.rejectMalformed(ctx, msg, err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		if msg.Type == protocol.TypeReady {
			c.ready.Store(true)
			c.logger.Info("shard: ready")
			if onReady != nil {
				onReady(c)
			}
			continue
		}

		select {
		case inbound <- Envelope{Worker: c, Message: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rejectMalformed answers a malformed request that still named its type and
// id, so the worker is not left waiting for a reply.
func (c *Conn) rejectMalformed(ctx context.Context, msg protocol.Message, err error) {
	replyType, ok := protocol.ReplyType(msg.Type)
	if !ok || len(msg.ID) == 0 {
		return
	}
	reply := protocol.Message{Type: replyType, ID: msg.ID, Error: protocol.ErrorText(err.Error())}
	if err := c.Send(ctx, reply); err != nil {
		c.logger.Warn("shard: malformed reply failed", "type", msg.Type, "error", err)
	}
}

// Close marks the connection not ready and stops the writer. Safe to call
// multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbox:
			if err := c.enc.Encode(msg); err != nil {
				c.logger.Warn("shard: write failed", "type", msg.Type, "error", err)
				c.Close()
				return
			}
		}
	}
}
