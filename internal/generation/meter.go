package generation

import (
	"sync/atomic"
	"unicode/utf8"
)

// DefaultCostPer1KChars is the USD estimate per thousand emitted characters.
const DefaultCostPer1KChars = 0.002

// Meter estimates request cost from the volume of text emitted across all
// variants. It is safe for concurrent use and never decreases.
type Meter struct {
	chars atomic.Int64
	rate  float64
}

func NewMeter(costPer1KChars float64) *Meter {
	if costPer1KChars < 0 {
		costPer1KChars = 0
	}
	return &Meter{rate: costPer1KChars}
}

func (m *Meter) Add(text string) {
	m.chars.Add(int64(utf8.RuneCountInString(text)))
}

func (m *Meter) Chars() int64 { return m.chars.Load() }

func (m *Meter) Cost() float64 {
	return float64(m.chars.Load()) / 1000 * m.rate
}
