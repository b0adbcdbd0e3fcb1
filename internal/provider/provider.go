// Package provider adapts an external text-generation service into
// independent per-variant token streams.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/replyd/internal/prompt"
)

// ErrExhausted is returned by Handle.Next after the handle produced its
// terminal value.
var ErrExhausted = errors.New("provider: handle exhausted")

// Metadata describes a finished variant.
type Metadata struct {
	Tone         string
	Length       string
	Confidence   float64
	FinishReason string
}

// Chunk is one value from a Handle: either a text delta or, when Final is
// set, the successful end of the variant.
type Chunk struct {
	Text  string
	Final *Metadata
}

// Handle is a lazy, finite, non-restartable sequence of text deltas for one
// variant. The sequence ends with exactly one terminal value: a Chunk with
// Final set, or a non-nil error. Handles are not safe for concurrent use;
// Close may be called from any goroutine and affects only this handle.
type Handle interface {
	Next() (Chunk, error)
	Close() error
}

// Provider opens generation streams.
type Provider interface {
	// Open returns exactly one handle per variant. A variant that could not
	// be opened is represented by a handle whose first Next returns an
	// *OpenError; the returned error is reserved for invalid arguments.
	Open(ctx context.Context, p prompt.Prompt, variants int) ([]Handle, error)
	// Name identifies the provider and model for provenance.
	Name() string
}

// OpenError reports that a variant's stream could not be opened.
type OpenError struct {
	Index int
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening variant %d: %v", e.Index, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// FailedHandle returns a handle whose only value is an *OpenError.
func FailedHandle(index int, err error) Handle {
	return &failedHandle{err: &OpenError{Index: index, Err: err}}
}

type failedHandle struct {
	err  error
	done bool
}

func (h *failedHandle) Next() (Chunk, error) {
	if h.done {
		return Chunk{}, ErrExhausted
	}
	h.done = true
	return Chunk{}, h.err
}

func (h *failedHandle) Close() error { return nil }
