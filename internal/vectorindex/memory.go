package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/temcen/turirec/internal/vecmath"
	"github.com/temcen/turirec/pkg/models"
)

type memoryEntry struct {
	vector models.Vector
	kind   models.ItemKind
}

// MemoryIndex is a brute-force, in-process index. It backs local
// development and the engine tests.
type MemoryIndex struct {
	mu     sync.RWMutex
	spaces map[models.Space]map[string]memoryEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		spaces: map[models.Space]map[string]memoryEntry{
			models.SpaceItems: {},
			models.SpaceUsers: {},
		},
	}
}

// UpsertItem stores an item vector together with its kind for filtering.
func (m *MemoryIndex) UpsertItem(id string, kind models.ItemKind, vector models.Vector) {
	m.upsert(models.SpaceItems, id, memoryEntry{vector: vector.Clone(), kind: kind})
}

func (m *MemoryIndex) UpsertUser(id string, vector models.Vector) {
	m.upsert(models.SpaceUsers, id, memoryEntry{vector: vector.Clone()})
}

func (m *MemoryIndex) Delete(space models.Space, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces[space], id)
}

func (m *MemoryIndex) upsert(space models.Space, id string, e memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(e.vector) == 0 {
		delete(m.spaces[space], id)
		return
	}
	m.spaces[space][id] = e
}

func (m *MemoryIndex) Search(ctx context.Context, space models.Space, query models.Vector, k int, filter *models.SearchFilter) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.spaces[space]
	if !ok {
		return nil, fmt.Errorf("unknown vector space %q", space)
	}

	excluded := excludeSet(filter)
	matches := make([]models.Match, 0, len(entries))
	for id, e := range entries {
		if _, skip := excluded[id]; skip {
			continue
		}
		if filter != nil && filter.Kind != "" && space == models.SpaceItems && e.kind != filter.Kind {
			continue
		}
		if len(e.vector) != len(query) {
			continue
		}

		var score float64
		if space == models.SpaceUsers {
			score = vecmath.Dot(query, e.vector)
		} else {
			score = vecmath.Cosine(query, e.vector)
		}
		matches = append(matches, models.Match{ID: id, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Preload fills the index from the items and users tables. Rows without a
// vector are skipped.
func (m *MemoryIndex) Preload(ctx context.Context, db Querier) (items int, users int, err error) {
	rows, err := db.Query(ctx, `SELECT id, kind, embedding::float8[] FROM items WHERE embedding IS NOT NULL`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load item vectors: %w", err)
	}
	for rows.Next() {
		var id, kind string
		var vec []float64
		if err := rows.Scan(&id, &kind, &vec); err != nil {
			rows.Close()
			return items, users, fmt.Errorf("failed to scan item vector: %w", err)
		}
		m.UpsertItem(id, models.ItemKind(kind), vec)
		items++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return items, users, fmt.Errorf("failed to iterate item vectors: %w", err)
	}

	rows, err = db.Query(ctx, `SELECT id, collab_vector::float8[] FROM users WHERE collab_vector IS NOT NULL`)
	if err != nil {
		return items, 0, fmt.Errorf("failed to load user vectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var vec []float64
		if err := rows.Scan(&id, &vec); err != nil {
			return items, users, fmt.Errorf("failed to scan user vector: %w", err)
		}
		m.UpsertUser(id, vec)
		users++
	}
	if err := rows.Err(); err != nil {
		return items, users, fmt.Errorf("failed to iterate user vectors: %w", err)
	}
	return items, users, nil
}
