package models

import "time"

type Phase string

const (
	PhaseColdStart Phase = "cold_start"
	PhaseHybrid    Phase = "hybrid"
)

type ScoredItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

type RecommendationResult struct {
	UserID          string    `json:"user_id"`
	ItemIDs         []string  `json:"recommendations"`
	Phase           Phase     `json:"recommendation_phase"`
	Degraded        bool      `json:"degraded"`
	DegradedReasons []string  `json:"degraded_reasons,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Space names a vector collection in the similarity index.
type Space string

const (
	SpaceItems Space = "items"
	SpaceUsers Space = "users"
)

type SearchFilter struct {
	Kind    ItemKind
	Exclude []string
}

type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
