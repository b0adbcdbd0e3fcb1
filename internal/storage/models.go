package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Account mirrors the billing record the quota ledger reserves against.
type Account struct {
	ID               string
	MonthlyAllowance int
	UsageCount       int
	ResetAt          time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// QuotaReservation is the outcome of ReserveQuota.
type QuotaReservation struct {
	Account  Account
	Found    bool
	Reserved bool
}

type Generation struct {
	ID           string
	AccountID    string
	Message      string
	TagsJSON     string // JSON object stored as text
	VariantsJSON string // JSON array stored as text
	Provider     string
	Cost         float64
	Status       string // "complete", "partial"
	CreatedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
