package websocket

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
)

// ConnState summarizes the two-halves closeState for callers that just want
// a coarse read (§4.6, §9).
type ConnState int

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// writeJob is one unit handed to the writer task: either a single control
// frame or the (possibly several, fragmented) frames of one data message.
// The writer never interleaves another data message's frames between this
// job's own frames, only control jobs drained between fragments (§4.6).
type writeJob struct {
	frames []*frame
}

// Conn is a live WebSocket connection: a reader task and a writer task
// running over one net.Conn, joined by two bounded queues and a shared
// close state (§4.6, §9).
//
// The reader task assembles frames into complete Messages (inflating and
// UTF-8-checking as needed) and publishes them on the channel returned by
// Messages, ending the sequence with a terminal Result.Err once the
// connection closes for any reason. The writer task drains dataQueue and
// controlQueue, giving control frames priority so a Ping or Close is never
// stuck behind a large in-flight message.
//
// Read/Write and friends are safe for concurrent use from multiple
// goroutines; Messages() itself is a single channel, so only one goroutine
// should range over it if per-message ordering matters to the caller.
type Conn struct {
	transport net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer

	isServer bool
	cfg      Config

	deflate           *deflateContext
	deflateNegotiated bool
	assembler         *messageAssembler

	state *closeState

	dataQueue    chan *writeJob
	controlQueue chan *writeJob
	inbound      chan Result

	shutdown      chan struct{}
	terminateOnce sync.Once

	writerDone chan struct{}
	readerDone chan struct{}

	transportCloseOnce sync.Once

	subprotocol string
}

// newConn constructs a Conn and starts its reader/writer tasks. deflate may
// be nil when permessage-deflate was not negotiated.
func newConn(transport net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool, cfg Config, deflate *deflateContext, subprotocol string) *Conn {
	c := &Conn{
		transport:         transport,
		reader:            reader,
		writer:            writer,
		isServer:          isServer,
		cfg:               cfg,
		deflate:           deflate,
		deflateNegotiated: deflate != nil,
		assembler:         newMessageAssembler(cfg.MaxMessageSize),
		state:             &closeState{},
		dataQueue:         make(chan *writeJob, cfg.OutboundQueueSize),
		controlQueue:      make(chan *writeJob, cfg.OutboundQueueSize),
		inbound:           make(chan Result, cfg.InboundQueueSize),
		shutdown:          make(chan struct{}),
		writerDone:        make(chan struct{}),
		readerDone:        make(chan struct{}),
		subprotocol:       subprotocol,
	}

	go c.readLoop()
	go c.writeLoop()

	return c
}

func (c *Conn) limits() codecLimits {
	return codecLimits{maxFrame: c.cfg.MaxFrameSize, rsv1Legal: c.deflateNegotiated}
}

// Subprotocol returns the negotiated Sec-WebSocket-Protocol value, or "" if
// none was negotiated.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// State reports the connection's coarse open/closing/closed status.
func (c *Conn) State() ConnState {
	read, write := c.state.snapshot()
	switch {
	case read == readRunning && write == writeRunning:
		return StateOpen
	case read == readCloseReceived && write == writeDrained:
		return StateClosed
	default:
		return StateClosing
	}
}

// Messages returns the channel of inbound messages. The sequence ends with
// exactly one Result whose Err is non-nil: a *ClosedError on a clean close,
// an *AbnormalClosureError if the transport ended without one, or a
// *TransportError/*ProtocolError/*UTF8Error/*MessageTooLargeError/
// *CompressionError for the failure that tore the connection down.
func (c *Conn) Messages() <-chan Result { return c.inbound }

// Read reads the next complete message, blocking until one arrives or the
// connection ends. It is a thin convenience layer over Messages for callers
// that want a synchronous loop instead of ranging over the channel.
func (c *Conn) Read() (MessageType, []byte, error) {
	res, ok := <-c.inbound
	if !ok {
		return 0, nil, ErrClosed
	}
	if res.Err != nil {
		return 0, nil, res.Err
	}
	return res.Message.Type, res.Message.Data, nil
}

// ReadText reads the next message, requiring it to be text.
func (c *Conn) ReadText() (string, error) {
	msgType, data, err := c.Read()
	if err != nil {
		return "", err
	}
	if msgType != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// ReadJSON reads the next message, requiring it to be text, and unmarshals
// it into v.
func (c *Conn) ReadJSON(v any) error {
	msgType, data, err := c.Read()
	if err != nil {
		return err
	}
	if msgType != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// Write sends a complete message, fragmenting it per MaxFrameSize and
// compressing it if permessage-deflate is negotiated and the payload meets
// CompressionThreshold. It returns once the message has been queued for the
// writer task, not once it has actually reached the wire.
func (c *Conn) Write(messageType MessageType, data []byte) error {
	var opcode byte
	switch messageType {
	case TextMessage:
		opcode = opcodeText
		if err := validateText(data); err != nil {
			return err
		}
	case BinaryMessage:
		opcode = opcodeBinary
	default:
		return ErrInvalidMessageType
	}
	return c.sendData(opcode, data)
}

// WriteText writes a text message.
func (c *Conn) WriteText(text string) error {
	return c.Write(TextMessage, []byte(text))
}

// WriteMessage writes m.
func (c *Conn) WriteMessage(m Message) error {
	return c.Write(m.Type, m.Data)
}

// WriteJSON marshals v and sends it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(TextMessage, data)
}

func (c *Conn) sendData(opcode byte, payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}

	rsv1 := false
	out := payload
	if c.deflateNegotiated && len(payload) >= c.cfg.CompressionThreshold {
		compressed, err := c.deflate.compress(payload)
		if err != nil {
			return err
		}
		out = compressed
		rsv1 = true
	}

	frames := fragmentPayload(opcode, rsv1, out, c.cfg.MaxFrameSize)
	for _, f := range frames {
		if err := c.maybeMask(f); err != nil {
			return err
		}
	}

	return c.enqueueData(&writeJob{frames: frames})
}

// fragmentPayload splits payload into frames of at most maxFrame bytes,
// setting rsv1 on the first frame only (RFC 7692 §5.2) and continuation
// opcodes on every frame after the first.
func fragmentPayload(opcode byte, rsv1 bool, payload []byte, maxFrame uint64) []*frame {
	if maxFrame == 0 || maxFrame == NoLimit || uint64(len(payload)) <= maxFrame {
		return []*frame{{fin: true, opcode: opcode, rsv1: rsv1, payload: payload}}
	}

	var frames []*frame
	remaining := payload
	first := true
	for uint64(len(remaining)) > maxFrame {
		chunk := remaining[:maxFrame]
		remaining = remaining[maxFrame:]
		op := opcode
		if !first {
			op = opcodeContinuation
		}
		frames = append(frames, &frame{fin: false, opcode: op, rsv1: rsv1 && first, payload: chunk})
		first = false
	}
	op := opcode
	if !first {
		op = opcodeContinuation
	}
	frames = append(frames, &frame{fin: true, opcode: op, rsv1: rsv1 && first, payload: remaining})
	return frames
}

// maybeMask assigns a fresh masking key to f if this connection is a
// client (client-to-server frames are always masked; server frames never
// are, per §4.1/§9).
func (c *Conn) maybeMask(f *frame) error {
	if c.isServer {
		f.masked = false
		return nil
	}
	key, err := newMaskKey()
	if err != nil {
		return &TransportError{Err: err}
	}
	f.masked = true
	f.mask = key
	return nil
}

// Ping sends a ping control frame.
func (c *Conn) Ping(data []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	f := &frame{fin: true, opcode: opcodePing, payload: data}
	if err := c.maybeMask(f); err != nil {
		return err
	}
	return c.enqueueControl(&writeJob{frames: []*frame{f}})
}

// Pong sends a pong control frame. Read/Messages already answers peer Pings
// automatically; this is for unsolicited Pongs.
func (c *Conn) Pong(data []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	f := &frame{fin: true, opcode: opcodePong, payload: data}
	if err := c.maybeMask(f); err != nil {
		return err
	}
	return c.enqueueControl(&writeJob{frames: []*frame{f}})
}

// Close starts a clean close handshake with CloseNormalClosure. It is
// idempotent: calling it again, or after the peer already initiated a
// close, is a no-op.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode starts a clean close handshake with the given code and
// reason (§4.5's transition 2). It returns once the Close frame has been
// queued; the connection finishes closing asynchronously once the peer's
// own Close is received (or the transport ends).
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if len(reason) > maxControlPayload-2 {
		return ErrControlTooLarge
	}
	if reason != "" && !validateTextOK(reason) {
		return ErrInvalidUTF8
	}

	if !c.state.onCloseInitiated(code, reason) {
		return nil
	}

	f := &frame{fin: true, opcode: opcodeClose, payload: closePayload(code, reason)}
	if err := c.maybeMask(f); err != nil {
		return err
	}
	return c.enqueueControl(&writeJob{frames: []*frame{f}})
}

func (c *Conn) enqueueData(job *writeJob) error {
	select {
	case c.dataQueue <- job:
		return nil
	case <-c.shutdown:
		return ErrClosed
	}
}

func (c *Conn) enqueueControl(job *writeJob) error {
	select {
	case c.controlQueue <- job:
		return nil
	case <-c.shutdown:
		return ErrClosed
	}
}

// pushMessage delivers msg to the inbound channel, returning false if the
// connection is shutting down and the reader should stop.
func (c *Conn) pushMessage(msg Message) bool {
	select {
	case c.inbound <- Result{Message: msg}:
		return true
	case <-c.shutdown:
		return false
	}
}

// terminate ends the connection exactly once: it best-effort enqueues a
// final Close frame (if any), delivers the terminal Result, and closes both
// the inbound channel and the shutdown signal that unblocks the writer task
// and any goroutine waiting to enqueue.
func (c *Conn) terminate(result Result, closeFrame *frame) {
	c.terminateOnce.Do(func() {
		if closeFrame != nil {
			select {
			case c.controlQueue <- &writeJob{frames: []*frame{closeFrame}}:
			default:
			}
		}
		c.inbound <- result
		close(c.inbound)
		close(c.shutdown)
	})
}

// failReader tears the connection down after a read or transport failure.
// There is no peer Close to wait for, so the transport is shut down
// directly rather than through the normal drain-then-close path.
func (c *Conn) failReader(err error) {
	c.state.forceTerminal()
	c.closeTransport()
	if isTransportEOF(err) {
		c.terminate(Result{Err: &AbnormalClosureError{}}, nil)
		return
	}
	c.terminate(Result{Err: &TransportError{Err: err}}, nil)
}

// failWriter tears the connection down after a write failure. The
// transport is presumed unusable, so it is closed directly rather than
// relying on writeLoop's normal drain-then-close path.
func (c *Conn) failWriter(err error) {
	c.state.forceTerminal()
	c.closeTransport()
	c.terminate(Result{Err: &TransportError{Err: err}}, nil)
}

// failProtocol tears the connection down after a local protocol decision
// (§4.5 transition 3), routing through closeState so both halves reach
// their terminal state and maybeShutdownTransport fires once the writer
// has flushed the best-effort Close frame this enqueues.
func (c *Conn) failProtocol(cause error, code CloseCode) {
	f, shouldSend := c.state.onProtocolFailure(code, "")
	if !shouldSend {
		f = nil
	} else {
		_ = c.maybeMask(f)
	}
	c.terminate(Result{Err: cause}, f)
}

func (c *Conn) failAssembly(err error) {
	switch e := err.(type) {
	case *MessageTooLargeError:
		c.failProtocol(err, CloseMessageTooBig)
	case *ProtocolError:
		c.failProtocol(err, e.Code)
	case *UTF8Error:
		c.failProtocol(err, CloseInvalidFramePayloadData)
	case *CompressionError:
		c.failProtocol(err, CloseProtocolError)
	default:
		c.failProtocol(err, CloseProtocolError)
	}
}

// readLoop is the reader task (§4.6, §9): it owns the transport read half
// and is the sole writer of assembler/deflate-decompression state.
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	for {
		f, err := readFrame(c.reader, c.limits())
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				c.failProtocol(&ProtocolError{Reason: err.Error(), Code: CloseMessageTooBig, Err: err}, CloseMessageTooBig)
			case errors.Is(err, ErrReservedBits), errors.Is(err, ErrInvalidOpcode),
				errors.Is(err, ErrControlFragmented), errors.Is(err, ErrControlTooLarge),
				errors.Is(err, ErrProtocolError):
				c.failProtocol(&ProtocolError{Reason: err.Error(), Code: CloseProtocolError, Err: err}, CloseProtocolError)
			default:
				c.failReader(err)
			}
			return
		}

		if c.isServer && !f.masked {
			c.failProtocol(&ProtocolError{Reason: "unmasked frame from client", Code: CloseProtocolError, Err: ErrMaskRequired}, CloseProtocolError)
			return
		}
		if !c.isServer && f.masked {
			c.failProtocol(&ProtocolError{Reason: "masked frame from server", Code: CloseProtocolError, Err: ErrMaskUnexpected}, CloseProtocolError)
			return
		}

		switch f.opcode {
		case opcodePing:
			pong := &frame{fin: true, opcode: opcodePong, payload: f.payload}
			if err := c.maybeMask(pong); err == nil {
				_ = c.enqueueControl(&writeJob{frames: []*frame{pong}})
			}

		case opcodePong:
			// Discarded per §4.6: no application-visible effect.

		case opcodeClose:
			code, reason, perr := parseClosePayload(f.payload)
			if perr != nil {
				c.failProtocol(&ProtocolError{Reason: "invalid close frame payload", Code: CloseProtocolError, Err: perr}, CloseProtocolError)
				return
			}
			mirror, needMirror := c.state.onCloseReceived(code, reason)
			var mf *frame
			if needMirror {
				mf = mirror
				_ = c.maybeMask(mf)
			}
			finalCode, finalReason, _ := c.state.finalCode()
			c.terminate(Result{Err: &ClosedError{Code: finalCode, Reason: finalReason}}, mf)
			return

		default:
			opcode, rsv1, payload, done, aerr := c.assembler.feed(f)
			if aerr != nil {
				c.failAssembly(aerr)
				return
			}
			if !done {
				continue
			}

			msg, merr := c.finalizeMessage(opcode, rsv1, payload)
			if merr != nil {
				c.failAssembly(merr)
				return
			}
			if !c.pushMessage(msg) {
				return
			}
		}
	}
}

func (c *Conn) finalizeMessage(opcode byte, rsv1 bool, payload []byte) (Message, error) {
	if rsv1 {
		if !c.deflateNegotiated {
			return Message{}, &ProtocolError{
				Reason: "rsv1 set but permessage-deflate was not negotiated",
				Code:   CloseProtocolError,
			}
		}
		decompressed, err := c.deflate.decompress(payload, c.cfg.MaxMessageSize)
		if err != nil {
			return Message{}, err
		}
		payload = decompressed
	}

	msgType := MessageType(opcode)
	if msgType == TextMessage {
		if err := validateText(payload); err != nil {
			return Message{}, err
		}
	}

	return Message{Type: msgType, Data: payload}, nil
}

// writeLoop is the writer task: it owns the transport write half
// exclusively, giving controlQueue strict priority over dataQueue so a
// Ping/Pong/Close is never stuck behind a large in-flight message (§4.6).
func (c *Conn) writeLoop() {
	defer func() {
		c.state.onWriteDrained()
		c.maybeShutdownTransport()
		close(c.writerDone)
	}()

	for {
		select {
		case job := <-c.controlQueue:
			if err := c.writeJobFrames(job); err != nil {
				c.failWriter(err)
				return
			}
			continue
		default:
		}

		select {
		case job := <-c.controlQueue:
			if err := c.writeJobFrames(job); err != nil {
				c.failWriter(err)
				return
			}
		case job := <-c.dataQueue:
			if err := c.writeJobFrames(job); err != nil {
				c.failWriter(err)
				return
			}
		case <-c.shutdown:
			// Drain whatever control frame terminate() just queued (our
			// mirror or failure Close) before giving up the transport.
			for {
				select {
				case job := <-c.controlQueue:
					if err := c.writeJobFrames(job); err != nil {
						c.failWriter(err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeJobFrames writes every frame of job in order, draining any queued
// control frames between fragments so a Ping/Close never waits behind the
// rest of a large fragmented message (§4.6).
func (c *Conn) writeJobFrames(job *writeJob) error {
	for i, f := range job.frames {
		if err := writeFrame(c.writer, f, c.limits()); err != nil {
			return err
		}
		if i != len(job.frames)-1 {
			if err := c.drainControlsNonBlocking(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) drainControlsNonBlocking() error {
	for {
		select {
		case job := <-c.controlQueue:
			for _, f := range job.frames {
				if err := writeFrame(c.writer, f, c.limits()); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

func (c *Conn) maybeShutdownTransport() {
	if c.state.shouldShutdownTransport() {
		c.closeTransport()
	}
}

func (c *Conn) closeTransport() {
	c.transportCloseOnce.Do(func() {
		if wc, ok := c.transport.(interface{ CloseWrite() error }); ok {
			_ = wc.CloseWrite()
		}
		_ = c.transport.Close()
	})
}

// isTransportEOF reports whether err represents the peer ending the
// transport without an orderly Close frame.
func isTransportEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
