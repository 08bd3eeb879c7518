package websocket

import (
	"fmt"
	"io"
)

// Message is one or more frames sharing a logical opcode, terminated by a
// fin=true fragment. Its Opcode is never OpContinuation.
type Message struct {
	Opcode Opcode
	Data   []byte
}

// MessageAssembler consumes frames from a byte source and yields complete
// messages, concatenating continuation fragments. It is stateful across
// calls to Next so that a control frame interleaved between data fragments
// can be surfaced immediately without disturbing the in-progress assembly.
type MessageAssembler struct {
	src     io.Reader
	maxSize int

	assembling bool
	opcode     Opcode
	buf        []byte
}

// NewMessageAssembler builds an assembler reading frames from src. maxSize
// bounds the accumulated payload of a single (possibly fragmented) message.
func NewMessageAssembler(src io.Reader, maxSize int) *MessageAssembler {
	return &MessageAssembler{src: src, maxSize: maxSize}
}

// Next blocks until a complete message is available and returns it. CLOSE,
// PING, and PONG frames are always returned as single-frame messages,
// whether or not a data message is being assembled underneath them.
func (a *MessageAssembler) Next() (Message, error) {
	for {
		f, err := ReadFrame(a.src, a.maxSize)
		if err != nil {
			return Message{}, err
		}

		if f.Opcode.isControl() {
			return Message{Opcode: f.Opcode, Data: f.Data}, nil
		}

		if !a.assembling {
			if f.Opcode == OpContinuation {
				return Message{}, fmt.Errorf("%w: continuation without a message in progress", ErrProtocol)
			}
			a.opcode = f.Opcode
			a.buf = append(a.buf[:0], f.Data...)
			a.assembling = true
		} else {
			if f.Opcode != OpContinuation {
				return Message{}, fmt.Errorf("%w: new data frame while assembling a message", ErrProtocol)
			}
			a.buf = append(a.buf, f.Data...)
		}

		if len(a.buf) > a.maxSize {
			a.assembling = false
			a.buf = nil
			return Message{}, fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooBig, a.maxSize)
		}

		if f.Fin {
			msg := Message{Opcode: a.opcode, Data: append([]byte(nil), a.buf...)}
			a.assembling = false
			a.buf = nil
			return msg, nil
		}
	}
}
