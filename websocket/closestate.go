package websocket

import "sync"

// readHalfState and writeHalfState track each half of the close handshake
// independently, per §4.5: the two halves genuinely progress at different
// times (we might send a Close well before the peer's Close arrives, or
// vice versa).
type readHalfState int

const (
	readRunning readHalfState = iota
	readCloseReceived
)

type writeHalfState int

const (
	writeRunning writeHalfState = iota
	writeCloseSent
	writeDrained
)

// closeState is the "arena-style shared state object" of §9: reader and
// writer goroutines each hold a pointer to it, neither owns the other, and
// it outlives both only until they've both finished with it. All access is
// serialized by mu, the single piece of genuinely shared mutable state
// between the two tasks (§5).
type closeState struct {
	mu sync.Mutex

	read  readHalfState
	write writeHalfState

	// localCode/localReason are set once, by whichever transition sends
	// our own Close frame first (caller-initiated close, mirror-on-peer-
	// close, or a protocol-violation close).
	localCode   CloseCode
	localReason string
	localSent   bool

	peerCode   CloseCode
	peerReason string
	peerSeen   bool
}

// onCloseReceived implements transition 1 (§4.5): the peer sent Close
// first. Returns the frame the writer should send in reply, unless we've
// already sent our own Close (transition 2, in which case no mirror is
// sent — duplicate-close prevention).
func (c *closeState) onCloseReceived(code CloseCode, reason string) (mirror *frame, needMirror bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.read = readCloseReceived
	c.peerCode = code
	c.peerReason = reason
	c.peerSeen = true

	if c.write != writeRunning {
		// We already sent our own Close (transition 2): the peer's Close
		// is the reply to ours, not something to mirror.
		return nil, false
	}

	mirrorCode := code
	if !isValidWireCloseCode(code) && code != CloseNoStatusReceived {
		mirrorCode = CloseProtocolError
	}

	c.write = writeCloseSent
	c.localCode = mirrorCode
	c.localReason = reason
	c.localSent = true

	return &frame{fin: true, opcode: opcodeClose, payload: closePayload(mirrorCode, reason)}, true
}

// onCloseInitiated implements transition 2 (§4.5): the caller invoked
// Close first. Returns false if a Close has already been sent (idempotent
// double-close).
func (c *closeState) onCloseInitiated(code CloseCode, reason string) (send bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.write != writeRunning {
		return false
	}

	c.write = writeCloseSent
	c.localCode = code
	c.localReason = reason
	c.localSent = true
	return true
}

// onProtocolFailure implements transition 3: an unrecoverable violation.
// Returns the Close frame to send (unless one was already sent) and
// forces both halves to their terminal state without waiting on the peer.
func (c *closeState) onProtocolFailure(code CloseCode, reason string) (send *frame, shouldSend bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	shouldSend = c.write == writeRunning
	if shouldSend {
		c.write = writeCloseSent
		c.localCode = code
		c.localReason = reason
		c.localSent = true
	}
	c.read = readCloseReceived // don't wait for the peer any further
	c.write = writeDrained

	if !shouldSend {
		return nil, false
	}
	return &frame{fin: true, opcode: opcodeClose, payload: closePayload(code, reason)}, true
}

// forceTerminal marks both halves terminal immediately, with no attempt to
// send or wait on anything further. Used when the transport itself has
// failed (read or write error, or peer EOF without a Close frame): there is
// no orderly handshake left to complete, so shouldShutdownTransport must
// report true right away instead of waiting on a mirror that will never
// come.
func (c *closeState) forceTerminal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = readCloseReceived
	c.write = writeDrained
}

// onWriteDrained records that the writer has flushed its Close frame (and
// has no more data to send).
func (c *closeState) onWriteDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == writeCloseSent {
		c.write = writeDrained
	}
}

// shouldShutdownTransport reports whether both conditions for tearing down
// the transport hold: our Close has been sent and flushed, and the peer's
// Close has been received.
func (c *closeState) shouldShutdownTransport() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read == readCloseReceived && c.write == writeDrained
}

// snapshot returns both halves' current state for Conn.State().
func (c *closeState) snapshot() (readHalfState, writeHalfState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read, c.write
}

// finalCode returns the code/reason to report to the caller as the
// terminating ClosedError: the peer's code if we ever saw one, else our
// own initiated code, else the synthesized abnormal-closure code.
func (c *closeState) finalCode() (code CloseCode, reason string, abnormal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerSeen {
		return c.peerCode, c.peerReason, false
	}
	if c.localSent {
		return c.localCode, c.localReason, false
	}
	return CloseAbnormalClosure, "", true
}

func closePayload(code CloseCode, reason string) []byte {
	if code == CloseNoStatusReceived {
		return nil
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reason)
	return payload
}

// parseClosePayload extracts the code/reason from a received Close frame's
// payload per §3's CloseFrame data model, validating the code against the
// documented ranges. Empty payload is the CloseNoStatusReceived case.
func parseClosePayload(payload []byte) (CloseCode, string, error) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(payload) == 1 {
		return 0, "", ErrInvalidClosePayload
	}

	code := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	reason := string(payload[2:])

	if !isValidWireCloseCode(code) {
		return 0, "", ErrInvalidCloseCode
	}
	if !validateTextOK(reason) {
		return 0, "", ErrInvalidUTF8
	}

	return code, reason, nil
}

func validateTextOK(s string) bool {
	return validateText([]byte(s)) == nil
}
