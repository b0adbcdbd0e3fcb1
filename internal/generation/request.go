// Package generation runs one reply-generation request end to end: quota
// admission, concurrent provider streams, multiplexed frame output and
// persistence of the result.
package generation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/quota"
)

var (
	// ErrInvalidRequest wraps every validation failure. Invalid requests are
	// rejected before admission: no frames, no quota.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAdmissionDenied is wrapped by *AdmissionError.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrTransportInterrupted is returned when the connection went away
	// before the run finished.
	ErrTransportInterrupted = errors.New("transport interrupted")
)

// Request is one admitted generation request. It is not modified after Run
// starts.
type Request struct {
	ID        string      `json:"id,omitempty"`
	AccountID string      `json:"account_id,omitempty"`
	Message   string      `json:"message"`
	Tags      prompt.Tags `json:"context"`
	Variants  int         `json:"variants,omitempty"`
}

// Limits bound what a request may ask for.
type Limits struct {
	MaxMessageLength int
	DefaultVariants  int
	MaxVariants      int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageLength: 4000, DefaultVariants: 3, MaxVariants: 5}
}

// Normalize fills the default variant count and validates the request.
func (r *Request) Normalize(l Limits) error {
	if r.Variants == 0 {
		r.Variants = l.DefaultVariants
	}
	return r.Validate(l)
}

func (r Request) Validate(l Limits) error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(r.Message); l.MaxMessageLength > 0 && n > l.MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidRequest, n, l.MaxMessageLength)
	}
	if r.Variants < 1 || (l.MaxVariants > 0 && r.Variants > l.MaxVariants) {
		return fmt.Errorf("%w: variants must be between 1 and %d", ErrInvalidRequest, l.MaxVariants)
	}
	if err := r.Tags.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// AdmissionError reports a request refused by the quota ledger.
type AdmissionError struct {
	Reason quota.DenyReason
	State  quota.State
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }
