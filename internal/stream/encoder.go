package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Terminator ends every block on the wire.
var Terminator = []byte("\n\n")

var heartbeatBlock = []byte(": ping\n\n")

// Marshal serializes a frame into a complete block, terminator included.
func Marshal(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame: %w", err)
	}
	// json.Marshal never emits raw newlines, so the terminator cannot occur
	// inside data. Guard anyway: a violation would corrupt every later block.
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("marshaled frame contains a newline")
	}

	var b bytes.Buffer
	b.Grow(len(data) + len(f.Type) + 16)
	b.WriteString("event: ")
	b.WriteString(string(f.Type))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.Write(Terminator)
	return b.Bytes(), nil
}

// Encoder writes frames to an io.Writer, one Write call per block, flushing
// after each block when the writer supports it. An Encoder is not safe for
// concurrent use.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single frame.
func (e *Encoder) Encode(f Frame) error {
	block, err := Marshal(f)
	if err != nil {
		return err
	}
	return e.write(block)
}

// Heartbeat writes a comment block. Decoders skip it.
func (e *Encoder) Heartbeat() error {
	return e.write(heartbeatBlock)
}

func (e *Encoder) write(block []byte) error {
	if _, err := e.w.Write(block); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	switch f := e.w.(type) {
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing block: %w", err)
		}
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}
