package websocket

import (
	"bytes"
	"unicode/utf8"
)

// messageAssembler merges fragmented data frames into complete messages,
// enforcing the fragmentation and size-cap rules of §4.2. It tracks at most
// one in-progress message and is independent of any live connection so it
// can be driven directly by tests.
type messageAssembler struct {
	maxMessage uint64

	inProgress bool
	opcode     byte // opcodeText or opcodeBinary of the first fragment
	rsv1       bool // first fragment had rsv1 set (compressed message)
	buf        bytes.Buffer
}

func newMessageAssembler(maxMessage uint64) *messageAssembler {
	return &messageAssembler{maxMessage: maxMessage}
}

// feed processes one data-frame-class frame (continuation, text, or
// binary; control frames are never passed here). It returns a fully
// assembled frame set — via done=true plus the opcode/rsv1/payload the
// caller should hand to the deflate pipeline and UTF-8 check — once fin=1
// completes the reassembly.
func (a *messageAssembler) feed(f *frame) (opcode byte, rsv1 bool, payload []byte, done bool, err error) {
	switch f.opcode {
	case opcodeText, opcodeBinary:
		if a.inProgress {
			return 0, false, nil, false, &ProtocolError{
				Reason: "data frame received while a fragmented message is in progress",
				Code:   CloseProtocolError,
			}
		}

		if f.fin {
			if err := a.checkSize(uint64(len(f.payload))); err != nil {
				return 0, false, nil, false, err
			}
			return f.opcode, f.rsv1, f.payload, true, nil
		}

		a.inProgress = true
		a.opcode = f.opcode
		a.rsv1 = f.rsv1
		a.buf.Reset()
		if err := a.checkSize(uint64(len(f.payload))); err != nil {
			a.inProgress = false
			return 0, false, nil, false, err
		}
		a.buf.Write(f.payload)
		return 0, false, nil, false, nil

	case opcodeContinuation:
		if !a.inProgress {
			return 0, false, nil, false, &ProtocolError{
				Reason: "continuation frame with no message in progress",
				Code:   CloseProtocolError,
				Err:    ErrUnexpectedContinuation,
			}
		}
		if f.rsv1 {
			a.inProgress = false
			a.buf.Reset()
			return 0, false, nil, false, &ProtocolError{
				Reason: "rsv1 set on a non-first fragment",
				Code:   CloseProtocolError,
			}
		}

		if err := a.checkSize(uint64(a.buf.Len()) + uint64(len(f.payload))); err != nil {
			a.inProgress = false
			a.buf.Reset()
			return 0, false, nil, false, err
		}
		a.buf.Write(f.payload)

		if !f.fin {
			return 0, false, nil, false, nil
		}

		a.inProgress = false
		result := make([]byte, a.buf.Len())
		copy(result, a.buf.Bytes())
		return a.opcode, a.rsv1, result, true, nil

	default:
		return 0, false, nil, false, &ProtocolError{
			Reason: "unexpected opcode in message assembler",
			Code:   CloseProtocolError,
		}
	}
}

func (a *messageAssembler) checkSize(size uint64) error {
	if a.maxMessage != NoLimit && size > a.maxMessage {
		return &MessageTooLargeError{Limit: a.maxMessage, Got: size}
	}
	return nil
}

// validateText checks the final assembled (and, if applicable, already
// decompressed) payload of a text message. The verdict is final: partial
// UTF-8 validity mid-fragment is never checked, only the reassembled
// whole, so a multi-byte code point split across a fragment boundary is
// accepted as long as the joined bytes are valid.
func validateText(payload []byte) error {
	if !utf8.Valid(payload) {
		return &UTF8Error{}
	}
	return nil
}
