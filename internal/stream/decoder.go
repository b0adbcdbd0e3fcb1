package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxBlockSize bounds how many bytes the decoder buffers while waiting for a
// terminator. Larger blocks are discarded up to the next terminator.
const MaxBlockSize = 1 << 20 // 1MB

// Decoder reassembles frames from an arbitrarily chunked byte stream. It is
// driven entirely by Feed and owns no I/O, so it works the same from a read
// loop, a WebSocket message handler or a test feeding one byte at a time.
//
// Malformed blocks are dropped and counted; decoding continues with the next
// block.
type Decoder struct {
	buf        []byte
	scanned    int // bytes of buf already searched for a terminator
	discarding bool
	dropped    int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and returns every frame completed by
// it, in wire order. A trailing partial block is retained for the next call.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	start := 0
	for {
		from := max(start, start+d.scanned-1)
		i := bytes.Index(d.buf[from:], Terminator)
		if i < 0 {
			d.scanned = len(d.buf) - start
			break
		}
		end := from + i
		block := d.buf[start:end]
		start = end + len(Terminator)
		d.scanned = 0

		if d.discarding {
			d.discarding = false
			continue
		}
		f, ok, err := parseBlock(block)
		if err != nil {
			d.dropped++
			continue
		}
		if ok {
			frames = append(frames, f)
		}
	}

	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}

	if len(d.buf) > MaxBlockSize {
		if !d.discarding {
			d.dropped++
		}
		d.discarding = true
		// Keep a trailing newline: it may be the first half of the terminator.
		if d.buf[len(d.buf)-1] == '\n' {
			d.buf = append(d.buf[:0], '\n')
		} else {
			d.buf = d.buf[:0]
		}
		d.scanned = len(d.buf)
	}
	return frames
}

// Buffered returns the number of bytes held for an incomplete block.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns how many malformed or oversized blocks were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// parseBlock parses one block without its terminator. ok is false for blocks
// that carry no frame, such as heartbeat comments.
func parseBlock(block []byte) (f Frame, ok bool, err error) {
	var (
		event   string
		data    []byte
		hasData bool
	)
	for line := range bytes.SplitSeq(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		name, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(name) {
		case "event":
			event = string(value)
		case "data":
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
		}
	}

	if !hasData {
		if event != "" {
			return Frame{}, false, fmt.Errorf("event %q without data", event)
		}
		return Frame{}, false, nil
	}

	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false, fmt.Errorf("decoding frame data: %w", err)
	}
	if event != "" && Kind(event) != f.Type {
		return Frame{}, false, fmt.Errorf("event %q does not match frame type %q", event, f.Type)
	}
	if err := f.validate(); err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}
