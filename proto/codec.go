package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	Delimiter = '\n'

	DefaultMaxFrameSize = 16 << 20
)

// Encode returns the JSON form of env without the delimiter.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Parse decodes a single undelimited frame.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &ProtocolError{Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ProtocolError{Err: errors.New("missing message type")}
	}
	return env, nil
}

// Reader splits a byte stream into newline delimited envelopes, buffering
// partial input until a full frame is available.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	initial := 4096
	if initial > maxFrameSize {
		initial = maxFrameSize
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initial), maxFrameSize)
	return &Reader{scanner: s}
}

// ReadFrame returns the next non blank frame. It returns io.EOF at a clean
// end of stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	err := r.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, &ProtocolError{Err: err}
	default:
		return nil, &ConnectionError{Op: "read", Err: err}
	}
}

func (r *Reader) ReadEnvelope() (Envelope, error) {
	frame, err := r.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return Parse(frame)
}

// Writer appends the delimiter to each frame and emits it with a single
// Write call. It is not safe for concurrent use.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes an already encoded envelope.
func (w *Writer) WriteFrame(frame []byte) error {
	w.buf = append(w.buf[:0], frame...)
	w.buf = append(w.buf, Delimiter)
	if _, err := w.w.Write(w.buf); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (w *Writer) WriteEnvelope(env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	return w.WriteFrame(b)
}
