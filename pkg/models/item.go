package models

import (
	"fmt"
	"time"
)

type ItemKind string

const (
	ItemKindPlace ItemKind = "place"
	ItemKindEvent ItemKind = "event"
)

func (k ItemKind) Valid() bool {
	return k == ItemKindPlace || k == ItemKindEvent
}

func ParseItemKind(s string) (ItemKind, error) {
	k := ItemKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown item kind %q", s)
	}
	return k, nil
}

// Item is implemented only by *Place and *Event.
type Item interface {
	ItemID() string
	Kind() ItemKind
	ItemEmbedding() Vector
	isItem()
}

type Place struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Category  string    `json:"category" db:"category"`
	Types     []string  `json:"types,omitempty" db:"types"`
	Rating    float64   `json:"rating" db:"rating"`
	Embedding Vector    `json:"-" db:"embedding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (p *Place) ItemID() string        { return p.ID }
func (p *Place) Kind() ItemKind        { return ItemKindPlace }
func (p *Place) ItemEmbedding() Vector { return p.Embedding }
func (p *Place) isItem()               {}

type Event struct {
	ID        string     `json:"id" db:"id"`
	Title     string     `json:"title" db:"title"`
	Category  string     `json:"category" db:"category"`
	Tags      []string   `json:"tags,omitempty" db:"tags"`
	Rating    float64    `json:"rating" db:"rating"`
	StartDate *time.Time `json:"start_date,omitempty" db:"start_date"`
	Embedding Vector     `json:"-" db:"embedding"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

func (e *Event) ItemID() string        { return e.ID }
func (e *Event) Kind() ItemKind        { return ItemKindEvent }
func (e *Event) ItemEmbedding() Vector { return e.Embedding }
func (e *Event) isItem()               {}

// CategoryQuery selects items of one kind whose category is in Categories,
// whose tags overlap Tags (events only), or whose title matches any of Tags
// case-insensitively.
type CategoryQuery struct {
	Kind       ItemKind
	Categories []string
	Tags       []string
	Limit      int
}
