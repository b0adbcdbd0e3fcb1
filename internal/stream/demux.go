package stream

import (
	"slices"
	"strings"
)

// VariantState is the consumer-side lifecycle of a variant.
type VariantState string

const (
	StatePending   VariantState = "pending"
	StateStreaming VariantState = "streaming"
	StateComplete  VariantState = "complete"
	StateError     VariantState = "error"
)

// VariantBuffer accumulates one variant's output on the consumer side.
type VariantBuffer struct {
	Index    int
	State    VariantState
	Metadata *Metadata
	Error    string

	text strings.Builder
}

func (v *VariantBuffer) Text() string {
	return v.text.String()
}

// Demux routes decoded frames to per-variant buffers and enforces per-index
// ordering. Frames that violate the protocol are discarded and counted.
type Demux struct {
	variants   map[int]*VariantBuffer
	requestErr *Frame
	done       bool
	violations int

	// OnFrame, when set, is called for every accepted frame after the
	// variant buffer has been updated.
	OnFrame func(f Frame, v *VariantBuffer)
}

func NewDemux() *Demux {
	return &Demux{variants: make(map[int]*VariantBuffer)}
}

// Apply routes one frame. It reports whether the frame was accepted.
// Malformed frames count as violations.
func (m *Demux) Apply(f Frame) bool {
	if m.done || f.validate() != nil {
		m.violations++
		return false
	}

	if f.Type == KindDone {
		m.done = true
		m.notify(f, nil)
		return true
	}

	idx, ok := f.VariantIndex()
	if !ok {
		if f.Type == KindError && m.requestErr == nil {
			m.requestErr = &f
			m.notify(f, nil)
			return true
		}
		m.violations++
		return false
	}

	v := m.variants[idx]
	switch f.Type {
	case KindStart:
		if v != nil && v.State != StatePending {
			m.violations++
			return false
		}
		if v == nil {
			v = &VariantBuffer{Index: idx}
			m.variants[idx] = v
		}
		v.State = StateStreaming
	case KindContent:
		if v == nil || v.State != StateStreaming {
			m.violations++
			return false
		}
		v.text.WriteString(f.Text)
	case KindComplete:
		if v == nil || v.State != StateStreaming {
			m.violations++
			return false
		}
		v.State = StateComplete
		meta := *f.Metadata
		v.Metadata = &meta
	case KindError:
		if v == nil || v.State != StateStreaming {
			m.violations++
			return false
		}
		v.State = StateError
		v.Error = f.Message
	}
	m.notify(f, v)
	return true
}

func (m *Demux) notify(f Frame, v *VariantBuffer) {
	if m.OnFrame != nil {
		m.OnFrame(f, v)
	}
}

// Done reports whether the terminal done frame has been seen. No frames are
// expected after it.
func (m *Demux) Done() bool {
	return m.done
}

// RequestError returns the request-level error frame, if any.
func (m *Demux) RequestError() (Frame, bool) {
	if m.requestErr == nil {
		return Frame{}, false
	}
	return *m.requestErr, true
}

// Violations counts frames discarded for breaking per-index ordering.
func (m *Demux) Violations() int {
	return m.violations
}

// Variant returns the buffer for index, or nil if no start was seen.
func (m *Demux) Variant(index int) *VariantBuffer {
	return m.variants[index]
}

// Variants returns all known variant buffers ordered by index.
func (m *Demux) Variants() []*VariantBuffer {
	out := make([]*VariantBuffer, 0, len(m.variants))
	for _, v := range m.variants {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *VariantBuffer) int { return a.Index - b.Index })
	return out
}

// Terminated counts variants that reached complete or error.
func (m *Demux) Terminated() int {
	n := 0
	for _, v := range m.variants {
		if v.State == StateComplete || v.State == StateError {
			n++
		}
	}
	return n
}
