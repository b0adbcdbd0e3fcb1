// Package stream implements the frame protocol that carries multiplexed
// variant output over a single connection.
//
// Every frame is serialized as one Server-Sent Events block:
//
//	event: content
//	data: {"type":"content","index":1,"text":"Hi"}
//
// The data line is single-line JSON, so the blank-line terminator can never
// occur inside a block. Consumers feed raw bytes into a Decoder and route the
// resulting frames through a Demux.
package stream

import "fmt"

// Kind identifies the role of a frame in a variant's lifecycle.
type Kind string

const (
	KindStart    Kind = "start"
	KindContent  Kind = "content"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindDone     Kind = "done"
)

func (k Kind) valid() bool {
	switch k {
	case KindStart, KindContent, KindComplete, KindError, KindDone:
		return true
	}
	return false
}

// Terminal reports whether the kind ends a variant.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Error codes carried by error frames.
const (
	CodeLimitExceeded   = "limit_exceeded"
	CodeAccountNotFound = "account_not_found"
	CodeOpenFailed      = "open_failed"
	CodeGeneration      = "generation_failed"
	CodeInternal        = "internal"
)

// Metadata describes a completed variant.
type Metadata struct {
	Tone         string  `json:"tone"`
	Length       string  `json:"length"`
	Confidence   float64 `json:"confidence"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Frame is the unit on the wire. Index is nil for done frames and for
// request-level error frames (admission denial).
type Frame struct {
	Type     Kind      `json:"type"`
	Index    *int      `json:"index,omitempty"`
	Text     string    `json:"text,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Message  string    `json:"message,omitempty"`
	Code     string    `json:"code,omitempty"`
}

func Start(index int) Frame {
	return Frame{Type: KindStart, Index: &index}
}

func Content(index int, text string) Frame {
	return Frame{Type: KindContent, Index: &index, Text: text}
}

func Complete(index int, meta Metadata) Frame {
	return Frame{Type: KindComplete, Index: &index, Metadata: &meta}
}

func Failed(index int, code, message string) Frame {
	return Frame{Type: KindError, Index: &index, Code: code, Message: message}
}

// RequestError is an error frame that applies to the whole request.
func RequestError(code, message string) Frame {
	return Frame{Type: KindError, Code: code, Message: message}
}

func Done() Frame {
	return Frame{Type: KindDone}
}

// VariantIndex returns the frame's variant index and whether it has one.
func (f Frame) VariantIndex() (int, bool) {
	if f.Index == nil {
		return 0, false
	}
	return *f.Index, true
}

// validate checks the structural rules a decoder enforces before a frame is
// handed to consumers.
func (f Frame) validate() error {
	if !f.Type.valid() {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	idx, ok := f.VariantIndex()
	if ok && idx < 0 {
		return fmt.Errorf("negative variant index %d", idx)
	}
	switch f.Type {
	case KindDone:
		if ok {
			return fmt.Errorf("done frame must not carry an index")
		}
	case KindError:
		// Request-level errors have no index.
	default:
		if !ok {
			return fmt.Errorf("%s frame requires an index", f.Type)
		}
	}
	if f.Type == KindComplete && f.Metadata == nil {
		return fmt.Errorf("complete frame requires metadata")
	}
	return nil
}

func (f Frame) String() string {
	if idx, ok := f.VariantIndex(); ok {
		return fmt.Sprintf("%s[%d]", f.Type, idx)
	}
	return string(f.Type)
}
