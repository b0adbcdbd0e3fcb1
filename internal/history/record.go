// Package history persists finished generation requests exactly once and
// reconciles records whose first write failed.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/storage"
	"github.com/kalambet/replyd/internal/stream"
)

// VariantStatus is the final state of one variant in a record.
type VariantStatus string

const (
	VariantComplete VariantStatus = "complete"
	VariantFailed   VariantStatus = "failed"
	// VariantIncomplete marks a variant that was still streaming when the
	// request was cancelled.
	VariantIncomplete VariantStatus = "incomplete"
)

// Record status values.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

type Variant struct {
	Index    int              `json:"index"`
	Status   VariantStatus    `json:"status"`
	Text     string           `json:"text"`
	Metadata *stream.Metadata `json:"metadata,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Record is the durable result of one generation request.
type Record struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Message   string      `json:"message"`
	Tags      prompt.Tags `json:"tags"`
	Variants  []Variant   `json:"variants"`
	Provider  string      `json:"provider"`
	Cost      float64     `json:"cost"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// StatusOf returns StatusPartial if any variant is incomplete.
func StatusOf(variants []Variant) string {
	for _, v := range variants {
		if v.Status == VariantIncomplete {
			return StatusPartial
		}
	}
	return StatusComplete
}

func toGeneration(r Record) (storage.Generation, error) {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return storage.Generation{}, fmt.Errorf("marshaling tags: %w", err)
	}
	variants := r.Variants
	if variants == nil {
		variants = []Variant{}
	}
	vs, err := json.Marshal(variants)
	if err != nil {
		return storage.Generation{}, fmt.Errorf("marshaling variants: %w", err)
	}
	status := r.Status
	if status == "" {
		status = StatusOf(r.Variants)
	}
	cost := r.Cost
	if cost < 0 {
		cost = 0
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return storage.Generation{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Message:      r.Message,
		TagsJSON:     string(tags),
		VariantsJSON: string(vs),
		Provider:     r.Provider,
		Cost:         cost,
		Status:       status,
		CreatedAt:    createdAt,
	}, nil
}

func fromGeneration(g storage.Generation) (Record, error) {
	r := Record{
		ID:        g.ID,
		AccountID: g.AccountID,
		Message:   g.Message,
		Provider:  g.Provider,
		Cost:      g.Cost,
		Status:    g.Status,
		CreatedAt: g.CreatedAt,
	}
	if g.TagsJSON != "" {
		if err := json.Unmarshal([]byte(g.TagsJSON), &r.Tags); err != nil {
			return Record{}, fmt.Errorf("decoding tags of %s: %w", g.ID, err)
		}
	}
	if g.VariantsJSON != "" {
		if err := json.Unmarshal([]byte(g.VariantsJSON), &r.Variants); err != nil {
			return Record{}, fmt.Errorf("decoding variants of %s: %w", g.ID, err)
		}
	}
	return r, nil
}
