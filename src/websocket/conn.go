package websocket

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Status is a Connection's position in the OPEN -> CLOSING -> CLOSED state
// machine. CLOSED is terminal.
type Status int32

const (
	StatusOpen Status = iota
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Handler is the per-connection application object. A Server constructs
// one per accepted connection via a HandlerFactory. Calling Send on a
// connection that is CLOSING or CLOSED is a silent no-op, not an error.
type Handler interface {
	OnConnect()
	Recv(msg Message)
	OnClose(code CloseCode, reason string)
}

// HandlerFactory constructs a Handler bound to a freshly-upgraded
// Connection. Called once per connection, immediately before ServeLoop.
type HandlerFactory func(*Connection) Handler

// Connection is the per-connection state machine layered on
// MessageAssembler: it exposes Recv, Send, and Close to the application
// handler, implements the closing handshake, and tears itself down on any
// terminal transition.
//
// A Connection never holds a pointer back to its owning Server; teardown
// calls the deregister callback supplied at construction instead.
type Connection struct {
	id     string
	logger zerolog.Logger

	closer    io.Closer
	rw        *bufio.ReadWriter
	assembler *MessageAssembler

	closeTimeout time.Duration
	deregister   func(*Connection)

	mu         sync.Mutex
	status     Status
	sentCode   CloseCode
	sentReason string
	closeTimer *time.Timer

	writeMu sync.Mutex
}

// NewConnection wraps an already-upgraded transport. maxMessageBytes bounds
// MessageAssembler accumulation; closeTimeout bounds the wait for a peer's
// close acknowledgement. deregister is called exactly once, after teardown,
// so the Server can drop the connection from its live set.
func NewConnection(id string, logger zerolog.Logger, closer io.Closer, rw *bufio.ReadWriter, maxMessageBytes int, closeTimeout time.Duration, deregister func(*Connection)) *Connection {
	return &Connection{
		id:           id,
		logger:       logger,
		closer:       closer,
		rw:           rw,
		assembler:    NewMessageAssembler(rw.Reader, maxMessageBytes),
		closeTimeout: closeTimeout,
		deregister:   deregister,
	}
}

// ID returns the connection's log-correlation identifier. It has no
// protocol meaning and never appears on the wire.
func (c *Connection) ID() string { return c.id }

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Recv blocks until the next complete TEXT, BINARY, PING or PONG message is
// available.
// Control frames are handled transparently: a peer CLOSE drives teardown
// and recv returns *ErrConnClosed; PING/PONG pass through to the caller
// like any other message, since auto-reply is the handler's decision, not
// the protocol's. While CLOSING, non-close messages are drained silently.
func (c *Connection) Recv() (Message, error) {
	for {
		msg, err := c.assembler.Next()
		if err != nil {
			wireCode := closeCodeFor(err)
			if !errors.Is(err, ErrTransportClosed) {
				_ = c.sendCloseFrame(wireCode, err.Error())
			}
			code, reason := c.teardown(wireCode, err.Error())
			return Message{}, &ErrConnClosed{Code: code, Reason: reason}
		}

		if msg.Opcode == OpClose {
			peerCode, peerReason, decodeErr := DecodeClosePayload(msg.Data)
			if decodeErr != nil {
				peerCode, peerReason = CloseProtocolError, decodeErr.Error()
			}
			return Message{}, c.handlePeerClose(peerCode, peerReason)
		}

		if c.Status() != StatusOpen {
			// CLOSING: keep draining until the peer's CLOSE arrives or the timer fires.
			continue
		}

		if msg.Opcode == OpText && !utf8.Valid(msg.Data) {
			_ = c.sendCloseFrame(CloseWrongType, ErrInvalidUTF8.Error())
			code, reason := c.teardown(CloseWrongType, ErrInvalidUTF8.Error())
			return Message{}, &ErrConnClosed{Code: code, Reason: reason}
		}

		return msg, nil
	}
}

// handlePeerClose reacts to an inbound CLOSE frame, mirroring one back when
// we are the side that did not initiate closing, and tearing down either
// way.
func (c *Connection) handlePeerClose(peerCode CloseCode, peerReason string) error {
	c.mu.Lock()
	wasOpen := c.status == StatusOpen
	sentCode, sentReason := c.sentCode, c.sentReason
	c.mu.Unlock()

	if wasOpen {
		_ = c.writeFrame(Frame{Fin: true, Opcode: OpClose})
		code, reason := c.teardown(peerCode, peerReason)
		return &ErrConnClosed{Code: code, Reason: reason}
	}

	// We were CLOSING: this is the peer's acknowledgement of our own close.
	code, reason := c.teardown(sentCode, sentReason)
	return &ErrConnClosed{Code: code, Reason: reason}
}

// Send serializes payload as a single TEXT or BINARY frame. If the
// connection is CLOSING or CLOSED, Send is a silent no-op: the handler
// contract explicitly allows sending after close without treating it as an
// error.
func (c *Connection) Send(payload []byte, isText bool) error {
	if c.Status() != StatusOpen {
		return nil
	}
	op := OpBinary
	if isText {
		op = OpText
	}
	return c.writeFrame(Frame{Fin: true, Opcode: op, Data: payload})
}

// Close moves an OPEN connection to CLOSING, sends a CLOSE frame carrying
// code and reason, and arms the close timer. It does not block: the peer's
// acknowledgement is observed by whichever goroutine next calls Recv, and
// the timer guarantees teardown even if nobody does. Calling Close on a
// connection that is already CLOSING or CLOSED is a no-op.
func (c *Connection) Close(code CloseCode, reason string) error {
	c.mu.Lock()
	if c.status != StatusOpen {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosing
	c.sentCode, c.sentReason = code, reason
	c.closeTimer = time.AfterFunc(c.closeTimeout, func() {
		tcode, treason := c.teardown(code, reason)
		c.logger.Debug().Stringer("code", tcode).Str("reason", treason).Err(ErrCloseTimeout).Msg("close handshake timed out")
	})
	c.mu.Unlock()

	return c.sendCloseFrame(code, reason)
}

func (c *Connection) sendCloseFrame(code CloseCode, reason string) error {
	return c.writeFrame(Frame{Fin: true, Opcode: OpClose, Data: EncodeClosePayload(code, reason)})
}

func (c *Connection) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.rw.Writer, f)
}

// teardown is the single idempotent path to CLOSED: closing the writer,
// deregistering from the Server, and recording status happen at most once.
// The first caller's code/reason wins; later callers observe it instead of
// overwriting it, so a racing timeout and a racing Recv agree on why the
// connection closed.
func (c *Connection) teardown(code CloseCode, reason string) (CloseCode, string) {
	c.mu.Lock()
	if c.status == StatusClosed {
		code, reason = c.sentCode, c.sentReason
		c.mu.Unlock()
		return code, reason
	}
	c.status = StatusClosed
	c.sentCode, c.sentReason = code, reason
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.mu.Unlock()

	_ = c.closer.Close()
	if c.deregister != nil {
		c.deregister(c)
	}
	return code, reason
}

// closeCodeFor maps a transport/protocol error surfaced from the
// MessageAssembler to the close code ConnectionProtocol reports it with.
func closeCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, ErrProtocol):
		return CloseProtocolError
	case errors.Is(err, ErrMessageTooBig):
		return CloseMessageTooBig
	case errors.Is(err, ErrTransportClosed):
		return CloseGoingAway
	default:
		return CloseUnexpectedCondition
	}
}

// ServeLoop drives the accept-loop contract in full: on_connect, then
// repeated recv/dispatch until the connection reaches CLOSED, then
// on_close. Teardown (status CLOSED, writer released, deregistered) always
// happens before OnClose is invoked.
func (c *Connection) ServeLoop(h Handler) {
	h.OnConnect()
	for {
		msg, err := c.Recv()
		if err != nil {
			var closed *ErrConnClosed
			if errors.As(err, &closed) {
				h.OnClose(closed.Code, closed.Reason)
			} else {
				h.OnClose(CloseUnexpectedCondition, err.Error())
			}
			return
		}
		h.Recv(msg)
	}
}
