package services

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/vecmath"
	"github.com/temcen/turirec/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Embedding = u.Embedding.Clone()
	c.CollaborativeVector = u.CollaborativeVector.Clone()
	c.Preferences = append([]string(nil), u.Preferences...)
	c.Likes = append([]models.InteractionEntry(nil), u.Likes...)
	c.Saves = append([]models.InteractionEntry(nil), u.Saves...)
	c.Visits = append([]models.InteractionEntry(nil), u.Visits...)
	c.Recommendations = append([]string(nil), u.Recommendations...)
	return &c
}

// memoryUsers is an in-process UserRepository.
type memoryUsers struct {
	mu                 sync.Mutex
	users              map[string]*models.User
	setRecsErr         error
	embeddingWrites    int
	recommendationSets int
}

func newMemoryUsers(users ...*models.User) *memoryUsers {
	m := &memoryUsers{users: make(map[string]*models.User)}
	for _, u := range users {
		m.users[u.ID] = cloneUser(u)
	}
	return m
}

func (m *memoryUsers) Get(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *memoryUsers) Interactions(_ context.Context, userID string) (*models.InteractionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	c := cloneUser(u)
	return &c.InteractionLog, nil
}

func (m *memoryUsers) SetEmbedding(_ context.Context, userID string, embedding models.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Embedding = embedding.Clone()
	m.embeddingWrites++
	return nil
}

func (m *memoryUsers) SetCollaborativeVector(_ context.Context, userID string, vector models.Vector, totalWeight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.CollaborativeVector = vector.Clone()
	u.TotalWeight = totalWeight
	return nil
}

func (m *memoryUsers) SetRecommendations(_ context.Context, userID string, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setRecsErr != nil {
		return m.setRecsErr
	}
	u, ok := m.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Recommendations = append([]string{}, itemIDs...)
	m.recommendationSets++
	return nil
}

func (m *memoryUsers) AppendInteraction(_ context.Context, userID string, kind models.InteractionKind, itemID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, models.ErrUserNotFound
	}
	return u.Add(kind, models.InteractionEntry{ItemID: itemID, Timestamp: at}), nil
}

func (m *memoryUsers) RemoveInteraction(_ context.Context, userID string, kind models.InteractionKind, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, models.ErrUserNotFound
	}
	return u.Remove(kind, itemID), nil
}

func (m *memoryUsers) stored(userID string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneUser(m.users[userID])
}

// memoryItems is an in-process ItemRepository. Queries return ids in id
// order.
type memoryItems struct {
	mu           sync.Mutex
	items        map[string]models.Item
	popularCalls int
	findErr      error
}

func newMemoryItems(items ...models.Item) *memoryItems {
	m := &memoryItems{items: make(map[string]models.Item)}
	for _, it := range items {
		m.items[it.ItemID()] = it
	}
	return m
}

func (m *memoryItems) sortedIDs() []string {
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memoryItems) Get(_ context.Context, itemID string) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	return it, nil
}

func (m *memoryItems) GetEmbedding(_ context.Context, itemID string) (models.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	if len(it.ItemEmbedding()) == 0 {
		return nil, models.ErrMissingEmbedding
	}
	return it.ItemEmbedding(), nil
}

func (m *memoryItems) GetEmbeddings(_ context.Context, itemIDs []string) (map[string]models.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Vector)
	for _, id := range itemIDs {
		if it, ok := m.items[id]; ok && len(it.ItemEmbedding()) > 0 {
			out[id] = it.ItemEmbedding()
		}
	}
	return out, nil
}

func (m *memoryItems) FindByCategory(_ context.Context, q models.CategoryQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []string
	for _, id := range m.sortedIDs() {
		if len(out) >= q.Limit {
			break
		}
		it := m.items[id]
		if it.Kind() != q.Kind {
			continue
		}
		switch v := it.(type) {
		case *models.Place:
			if contains(q.Categories, v.Category) {
				out = append(out, id)
			}
		case *models.Event:
			if contains(q.Categories, v.Category) || overlaps(q.Tags, v.Tags) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (m *memoryItems) FindPopular(_ context.Context, kind models.ItemKind, category string, limit int, exclude []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.popularCalls++
	var out []string
	for _, id := range m.sortedIDs() {
		if len(out) >= limit {
			break
		}
		it := m.items[id]
		if it.Kind() != kind || contains(exclude, id) {
			continue
		}
		if category != "" && itemCategory(it) != category {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func itemCategory(it models.Item) string {
	switch v := it.(type) {
	case *models.Place:
		return v.Category
	case *models.Event:
		return v.Category
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

// failingIndex always reports the index as unavailable.
type failingIndex struct{ err error }

func (f failingIndex) Search(context.Context, models.Space, models.Vector, int, *models.SearchFilter) ([]models.Match, error) {
	return nil, f.err
}

// unit builds a normalized vector of dim components from the leading values.
func unit(dim int, values ...float64) models.Vector {
	v := make(models.Vector, dim)
	copy(v, values)
	return vecmath.Normalize(v)
}

func place(id, category string, emb models.Vector) *models.Place {
	return &models.Place{ID: id, Title: id, Category: category, Embedding: emb}
}

func event(id, category string, emb models.Vector, tags ...string) *models.Event {
	return &models.Event{ID: id, Title: id, Category: category, Tags: tags, Embedding: emb}
}

func entries(at time.Time, ids ...string) []models.InteractionEntry {
	out := make([]models.InteractionEntry, len(ids))
	for i, id := range ids {
		out[i] = models.InteractionEntry{ItemID: id, Timestamp: at}
	}
	return out
}
