package packetcodec

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single JSON envelope line, excluding any
// side-channel payload. A frame exceeding this is a protocol error.
const MaxFrameBytes = 1 << 20 // 1 MiB

var (
	// ErrTruncated means the stream closed mid-frame; the caller
	// should treat the link as lost.
	ErrTruncated = errors.New("packetcodec: truncated frame")
	// ErrOversizeFrame means a single line exceeded MaxFrameBytes;
	// the caller must close the link.
	ErrOversizeFrame = errors.New("packetcodec: oversize frame")
)

// DecodeError wraps a per-frame decode failure that does not by
// itself invalidate the link (bad JSON, missing type): the frame is
// discarded and reading continues.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("packetcodec: discarding invalid frame: %v", e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// Reader decodes a stream of newline-delimited packet frames.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r. The caller is responsible for closing the
// underlying connection.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadPacket reads and decodes the next frame.
//
// It returns ErrTruncated if the stream ended mid-frame, ErrOversizeFrame
// if a single line exceeded MaxFrameBytes (the caller must close the
// link in both cases), or a *DecodeError for a frame that is malformed
// JSON or missing its type field — tolerated so the link can continue,
// per the interop requirement with peers that occasionally emit
// extensions the codec doesn't otherwise recognize.
func (r *Reader) ReadPacket() (Packet, error) {
	line, err := r.readLine()
	if err != nil {
		return Packet{}, err
	}

	var p Packet
	if jsonErr := json.Unmarshal(line, &p); jsonErr != nil {
		return Packet{}, &DecodeError{Raw: line, Err: jsonErr}
	}
	if p.Type == "" {
		return Packet{}, &DecodeError{Raw: line, Err: ErrMissingType}
	}
	p.Type = CanonicalType(p.Type)
	if err := Validate(p); err != nil {
		return Packet{}, &DecodeError{Raw: line, Err: err}
	}
	return p, nil
}

// readLine reads up to and including the next '\n', returning the
// line without its terminator. It enforces MaxFrameBytes across
// however many internal buffer fills are needed to find the
// terminator.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			if len(line)-1 > MaxFrameBytes {
				return nil, ErrOversizeFrame
			}
			return line[:len(line)-1], nil
		}
		if len(line) > MaxFrameBytes {
			// Drain isn't attempted; the link is being closed anyway.
			return nil, ErrOversizeFrame
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, ErrTruncated
		}
		return nil, err
	}
}

// Writer serializes packets as newline-delimited JSON. It does not
// itself synchronize concurrent writers; callers (the Link's writer
// lock) must serialize calls to WritePacket.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket serializes p and writes it followed by a single '\n'.
func (w *Writer) WritePacket(p Packet) error {
	if err := Validate(p); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("packetcodec: marshal: %w", err)
	}
	b = append(b, '\n')
	_, err = w.w.Write(b)
	return err
}
