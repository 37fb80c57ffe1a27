package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUserNotFound           = fmt.Errorf("user %w", ErrNotFound)
	ErrItemNotFound           = fmt.Errorf("item %w", ErrNotFound)
	ErrMissingEmbedding       = errors.New("item has no embedding")
	ErrEmptyNeighborhood      = errors.New("no similar users found")
	ErrIndexUnavailable       = errors.New("similarity index unavailable")
	ErrInvalidInteractionKind = errors.New("invalid interaction kind")
	ErrInvalidRequest         = errors.New("invalid request")
)
