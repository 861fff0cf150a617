package memory

import (
	"errors"
	"time"
)

// Fact is one normalized unit of personal information to be considered for
// storage.
type Fact struct {
	Category      string
	Key           string
	Value         string
	Importance    string
	SourceExcerpt string
}

// Record is one stored fact group for a (platform, user) pair.
type Record struct {
	ID            string            `json:"id"`
	Platform      string            `json:"platform"`
	UserID        string            `json:"user_id"`
	Category      string            `json:"category"`
	Fields        map[string]string `json:"fields"`
	Importance    string            `json:"importance"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	SourceExcerpt string            `json:"source_excerpt,omitempty"`
}

// StoreInfo is the per-user store metadata.
type StoreInfo struct {
	Platform    string    `json:"platform"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	RecordCount int       `json:"record_count"`
}

// WriteOutcome reports what ConsiderFact did with a fact.
type WriteOutcome string

const (
	WriteInserted     WriteOutcome = "inserted"
	WriteConsolidated WriteOutcome = "consolidated"
	WriteRejected     WriteOutcome = "rejected"
)

var (
	ErrInvalidCategory = errors.New("memory: invalid category")
	ErrEmptyIdentity   = errors.New("memory: empty platform or user id")
	ErrEmptyFact       = errors.New("memory: empty fact key or value")
)

var validCategories = map[string]bool{
	"personal_info": true,
	"preferences":   true,
	"relationships": true,
	"professional":  true,
	"health":        true,
	"goals":         true,
}

const maxSourceExcerpt = 100

func importanceWeight(importance string) float64 {
	switch importance {
	case "high":
		return 3
	case "medium":
		return 2
	default:
		return 1
	}
}

func maxImportance(a, b string) string {
	if importanceWeight(b) > importanceWeight(a) {
		return b
	}
	return a
}

// recencyScore decays linearly from 1.0 for a record created now to 0.0 for
// anything a year old or older.
func recencyScore(createdAt, now time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	score := 1 - days/365
	if score < 0 {
		return 0
	}
	return score
}

func evictionScore(r Record, now time.Time) float64 {
	return importanceWeight(r.Importance) + recencyScore(r.CreatedAt, now)
}

func truncateExcerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSourceExcerpt {
		return s
	}
	return string(runes[:maxSourceExcerpt])
}
