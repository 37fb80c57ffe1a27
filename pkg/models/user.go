package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type InteractionKind string

const (
	InteractionView  InteractionKind = "view"
	InteractionClick InteractionKind = "click"
	InteractionShare InteractionKind = "share"
	InteractionSave  InteractionKind = "save"
	InteractionVisit InteractionKind = "visit"
	InteractionLike  InteractionKind = "like"
)

// ParseInteractionKind accepts any casing. Unknown kinds are returned as-is
// together with ErrInvalidInteractionKind so callers can still score them
// with the lowest weight.
func ParseInteractionKind(s string) (InteractionKind, error) {
	k := InteractionKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case InteractionView, InteractionClick, InteractionShare,
		InteractionSave, InteractionVisit, InteractionLike:
		return k, nil
	}
	return k, ErrInvalidInteractionKind
}

// Logged reports whether the kind is persisted in the interaction ledger.
func (k InteractionKind) Logged() bool {
	return k == InteractionLike || k == InteractionSave || k == InteractionVisit
}

type InteractionEntry struct {
	ItemID    string    `json:"item_id" db:"item_id"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// LoggedKinds lists the interaction kinds kept in the ledger, in the order
// they are aggregated.
var LoggedKinds = []InteractionKind{InteractionLike, InteractionSave, InteractionVisit}

// InteractionLog holds one user's ledger, oldest entry first per kind.
type InteractionLog struct {
	Likes  []InteractionEntry `json:"likes"`
	Saves  []InteractionEntry `json:"saves"`
	Visits []InteractionEntry `json:"visits"`
}

func (l *InteractionLog) InteractionCount() int {
	return len(l.Likes) + len(l.Saves) + len(l.Visits)
}

// Entries returns the ledger for one logged kind.
func (l *InteractionLog) Entries(kind InteractionKind) []InteractionEntry {
	switch kind {
	case InteractionLike:
		return l.Likes
	case InteractionSave:
		return l.Saves
	case InteractionVisit:
		return l.Visits
	}
	return nil
}

// Add appends an entry unless the item is already logged under kind.
func (l *InteractionLog) Add(kind InteractionKind, entry InteractionEntry) bool {
	if l.Has(kind, entry.ItemID) {
		return false
	}
	switch kind {
	case InteractionLike:
		l.Likes = append(l.Likes, entry)
	case InteractionSave:
		l.Saves = append(l.Saves, entry)
	case InteractionVisit:
		l.Visits = append(l.Visits, entry)
	default:
		return false
	}
	return true
}

// Remove drops the entry for itemID under kind and reports whether one existed.
func (l *InteractionLog) Remove(kind InteractionKind, itemID string) bool {
	var list *[]InteractionEntry
	switch kind {
	case InteractionLike:
		list = &l.Likes
	case InteractionSave:
		list = &l.Saves
	case InteractionVisit:
		list = &l.Visits
	default:
		return false
	}
	for i, e := range *list {
		if e.ItemID == itemID {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (l *InteractionLog) Has(kind InteractionKind, itemID string) bool {
	for _, e := range l.Entries(kind) {
		if e.ItemID == itemID {
			return true
		}
	}
	return false
}

// InteractedItems is the set of every item id present in any log.
func (l *InteractionLog) InteractedItems() map[string]struct{} {
	seen := make(map[string]struct{}, l.InteractionCount())
	for _, kind := range LoggedKinds {
		for _, e := range l.Entries(kind) {
			seen[e.ItemID] = struct{}{}
		}
	}
	return seen
}

type User struct {
	ID                  string   `json:"id" db:"id"`
	Embedding           Vector   `json:"-" db:"embedding"`
	CollaborativeVector Vector   `json:"-" db:"collab_vector"`
	TotalWeight         float64  `json:"total_weight" db:"total_weight"`
	Preferences         []string `json:"preferences" db:"preferences"`
	InteractionLog
	Recommendations []string  `json:"recommendations" db:"recommendations"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

type InteractionRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	ItemKind string `json:"item_kind" validate:"required,oneof=place event"`
	Kind     string `json:"kind" validate:"required"`
}

// InteractionEvent is what gets published to the interaction stream.
type InteractionEvent struct {
	EventID   uuid.UUID       `json:"event_id"`
	UserID    string          `json:"user_id"`
	ItemID    string          `json:"item_id"`
	ItemKind  ItemKind        `json:"item_kind"`
	Kind      InteractionKind `json:"kind"`
	Removed   bool            `json:"removed,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type RefreshRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}
