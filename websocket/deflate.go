package websocket

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
	"sync"
)

// deflateTrailer is appended before inflation and stripped after deflation,
// per RFC 7692 §7.2.1: a permessage-deflate sender omits the 4 trailing
// bytes of the empty non-final stored (uncompressed) deflate block that a
// sync flush ends the compressed data with; the receiver re-appends them
// before feeding the stream to the inflator.
var deflateTrailer = []byte{0x00, 0x00, 0xFF, 0xFF}

// deflateContext holds the compressor/decompressor pair for one connection,
// each independently subject to the no-context-takeover policy negotiated
// for its direction (§3's "Deflate context").
type deflateContext struct {
	mu sync.Mutex

	compressor        *flate.Writer
	compressResetEach bool
	compressorLevel   int

	decompressResetEach bool
	// decompressor is created on first use, and again for every message
	// when decompressResetEach is set; otherwise the same reader is reused
	// via (flate.Resetter).Reset. Either way no LZ77 window is carried from
	// one message to the next.
	decompressor  io.ReadCloser
	decompressBuf *bytes.Buffer
}

func newDeflateContext(compressResetEach, decompressResetEach bool) *deflateContext {
	return &deflateContext{
		compressResetEach:   compressResetEach,
		decompressResetEach: decompressResetEach,
		compressorLevel:     flate.BestSpeed,
		decompressBuf:       &bytes.Buffer{},
	}
}

// compress deflates payload and strips the trailing empty-block bytes.
//
// Every message is compressed as a self-contained deflate stream: RFC 7692
// §7.2.3 lets a sender reset its LZ77 window on every message regardless of
// what no-context-takeover was negotiated (the flag only bounds how much
// context a sender is ALLOWED to use, never requires using it), and doing so
// here keeps the compressor/decompressor pair simple and avoids needing to
// carry a matching preset dictionary across message boundaries on the
// decompress side. compressResetEach is honored implicitly by this
// per-message-fresh-writer behavior; kept as an explicit field so the
// negotiated flag is still visible on the struct.
func (d *deflateContext) compress(payload []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out bytes.Buffer
	if d.compressor == nil {
		w, err := flate.NewWriter(&out, d.compressorLevel)
		if err != nil {
			return nil, &CompressionError{Err: err}
		}
		d.compressor = w
	} else {
		d.compressor.Reset(&out)
	}

	if _, err := d.compressor.Write(payload); err != nil {
		return nil, &CompressionError{Err: err}
	}
	if err := d.compressor.Flush(); err != nil {
		return nil, &CompressionError{Err: err}
	}

	compressed := bytes.TrimSuffix(out.Bytes(), deflateTrailer)
	result := make([]byte, len(compressed))
	copy(result, compressed)
	return result, nil
}

// decompress re-appends the stripped trailer and inflates payload, bounded
// by maxMessage so a compression bomb cannot exhaust memory (§4.3).
func (d *deflateContext) decompress(payload []byte, maxMessage uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.decompressBuf.Reset()
	d.decompressBuf.Write(payload)
	d.decompressBuf.Write(deflateTrailer)

	if d.decompressor == nil {
		d.decompressor = flate.NewReader(d.decompressBuf)
	} else if resetter, ok := d.decompressor.(flate.Resetter); ok {
		// Reset installs no preset dictionary, so every message is inflated
		// on its own. This decodes a peer that resets its compressor per
		// message (as compress does); a message whose back-references reach
		// into an earlier message fails here with a CompressionError. See
		// DESIGN.md's context-takeover note.
		if err := resetter.Reset(d.decompressBuf, nil); err != nil {
			return nil, &CompressionError{Err: err}
		}
	} else {
		d.decompressor = flate.NewReader(d.decompressBuf)
	}

	limit := maxMessage
	if limit == NoLimit {
		limit = DefaultMaxMessageSize
	}
	limited := io.LimitReader(d.decompressor, int64(limit)+1)

	out, err := io.ReadAll(limited)
	// The re-appended trailer ends the input with a non-final empty stored
	// block, so the inflater reports io.ErrUnexpectedEOF once it is consumed.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &CompressionError{Err: err}
	}

	if uint64(len(out)) > limit {
		return nil, &MessageTooLargeError{Limit: limit, Got: uint64(len(out))}
	}

	if d.decompressResetEach {
		_ = d.decompressor.Close()
		d.decompressor = nil
	}

	return out, nil
}
