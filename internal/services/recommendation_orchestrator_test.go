package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/temcen/turirec/internal/vecmath"
	"github.com/temcen/turirec/internal/vectorindex"
	"github.com/temcen/turirec/pkg/models"
)

type countingContent struct {
	ContentRecommender
	recommendCalls atomic.Int32
}

func (c *countingContent) Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error) {
	c.recommendCalls.Add(1)
	return c.ContentRecommender.Recommend(ctx, user, count)
}

type countingCollaborative struct {
	CollaborativeRecommender
	recommendCalls atomic.Int32
}

func (c *countingCollaborative) Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error) {
	c.recommendCalls.Add(1)
	return c.CollaborativeRecommender.Recommend(ctx, user, count)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishInteraction(ctx context.Context, event *models.InteractionEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type recordingMirror struct {
	mu     sync.Mutex
	events []*models.InteractionEvent
}

func (r *recordingMirror) Enqueue(event *models.InteractionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type memoryCache struct {
	mu            sync.Mutex
	lists         map[string][]string
	invalidations int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{lists: make(map[string][]string)}
}

func (c *memoryCache) Get(_ context.Context, userID string) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.lists[userID]
	return ids, ok, nil
}

func (c *memoryCache) Set(_ context.Context, userID string, itemIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[userID] = append([]string{}, itemIDs...)
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, userID)
	c.invalidations++
	return nil
}

type orchestratorFixture struct {
	users         *memoryUsers
	items         *memoryItems
	index         *vectorindex.MemoryIndex
	content       *countingContent
	collaborative *countingCollaborative
	cache         *memoryCache
	mirror        *recordingMirror
	deps          OrchestratorDeps
	orchestrator  *RecommendationOrchestrator
}

var fixtureTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func orchestratorCatalogue() []models.Item {
	return []models.Item{
		event("e1", "Art & Culture", unit(testDim, 1, 0, 0, 0)),
		event("e2", "Art & Culture", unit(testDim, 0, 1, 0, 0)),
		event("e3", "Gastronomía", unit(testDim, 0, 0, 1, 0)),
		event("e4", "Gastronomía", unit(testDim, 0, 0, 0, 1)),
		event("e5", "Música", unit(testDim, 1, 1, 0, 0)),
		event("e6", "Música", unit(testDim, 1, 0, 1, 0)),
		event("e7", "Outdoor", unit(testDim, 0, 1, 1, 0)),
		event("e8", "Outdoor", unit(testDim, 1, 1, 1, 1)),
		place("p1", "museo", unit(testDim, 1, 0, 0, 1)),
		place("p2", "restaurante", unit(testDim, 0, 1, 0, 1)),
		place("p3", "museo", unit(testDim, 1, 1, 0, 1)),
		place("p-noemb", "parque", nil),
	}
}

// hybridUser has 5 likes, 1 save and 1 visit.
func hybridUser() *models.User {
	u := &models.User{
		ID:          "me",
		Preferences: []string{"cultura"},
		Embedding:   unit(testDim, 1, 0, 0, 0),
	}
	u.Likes = entries(fixtureTime, "e1", "e2", "e3", "e4", "e5")
	u.Saves = entries(fixtureTime, "p1")
	u.Visits = entries(fixtureTime, "p2")
	return u
}

func neighbourUser() *models.User {
	u := &models.User{ID: "n1", CollaborativeVector: unit(testDim, 1, 1, 1, 1)}
	u.Likes = entries(fixtureTime, "e6", "e8")
	u.Saves = entries(fixtureTime, "p3")
	return u
}

func newOrchestratorFixture(t *testing.T, users ...*models.User) *orchestratorFixture {
	t.Helper()
	catalogue := orchestratorCatalogue()

	f := &orchestratorFixture{
		users:  newMemoryUsers(users...),
		items:  newMemoryItems(catalogue...),
		index:  vectorindex.NewMemoryIndex(),
		cache:  newMemoryCache(),
		mirror: &recordingMirror{},
	}
	for _, it := range catalogue {
		f.index.UpsertItem(it.ItemID(), it.Kind(), it.ItemEmbedding())
	}
	for _, u := range users {
		f.index.UpsertUser(u.ID, u.CollaborativeVector)
	}

	mappings, err := LoadPreferenceMappings("")
	require.NoError(t, err)
	rng := NewLockedRand(99)

	f.content = &countingContent{ContentRecommender: NewContentBasedRecommender(
		f.users, f.items, f.index, rng, testContentConfig(), quietLogger())}
	f.collaborative = &countingCollaborative{CollaborativeRecommender: NewCollaborativeFilter(
		f.users, f.items, f.index, DefaultCollaborativeConfig(), quietLogger())}

	f.deps = OrchestratorDeps{
		Users:         f.users,
		Items:         f.items,
		ColdStart:     NewColdStartGenerator(f.items, mappings, rng, DefaultColdStartConfig(), quietLogger()),
		Content:       f.content,
		Collaborative: f.collaborative,
		Blender:       NewHybridBlender(DefaultBlendConfig()),
		Cache:         f.cache,
		Mirror:        f.mirror,
	}
	f.rebuild()
	return f
}

func (f *orchestratorFixture) rebuild() {
	f.orchestrator = NewRecommendationOrchestrator(f.deps, DefaultOrchestratorConfig(), quietLogger())
}

func likeRequest(itemID string, kind models.ItemKind) *models.InteractionRequest {
	return &models.InteractionRequest{ItemID: itemID, ItemKind: string(kind), Kind: "like"}
}

func TestOrchestrator_Phase(t *testing.T) {
	o := NewRecommendationOrchestrator(OrchestratorDeps{}, DefaultOrchestratorConfig(), quietLogger())

	u := &models.User{}
	u.Likes = entries(fixtureTime, "a", "b", "c", "d")
	assert.Equal(t, models.PhaseColdStart, o.Phase(u))

	u.Visits = entries(fixtureTime, "e")
	assert.Equal(t, models.PhaseHybrid, o.Phase(u))
}

func TestOrchestrator_InitializeColdStart(t *testing.T) {
	f := newOrchestratorFixture(t, &models.User{ID: "new", Preferences: []string{"cultura", "gastronomía"}})
	ctx := context.Background()

	result, initialized, err := f.orchestrator.InitializeRecommendations(ctx, "new")
	require.NoError(t, err)
	assert.True(t, initialized)
	assert.Equal(t, models.PhaseColdStart, result.Phase)
	assert.NotEmpty(t, result.ItemIDs)
	assert.LessOrEqual(t, len(result.ItemIDs), 20)
	assert.Len(t, dedupe(result.ItemIDs), len(result.ItemIDs))

	assert.Zero(t, f.content.recommendCalls.Load())
	assert.Zero(t, f.collaborative.recommendCalls.Load())
	assert.Equal(t, result.ItemIDs, f.users.stored("new").Recommendations)

	again, initialized, err := f.orchestrator.InitializeRecommendations(ctx, "new")
	require.NoError(t, err)
	assert.False(t, initialized)
	assert.Equal(t, result.ItemIDs, again.ItemIDs)
	assert.Equal(t, 1, f.users.recommendationSets)
}

func TestOrchestrator_ColdStartInteraction(t *testing.T) {
	u := &models.User{ID: "u1", Preferences: []string{"cultura"}, Embedding: unit(testDim, 1, 0, 0, 0)}
	u.Likes = entries(fixtureTime, "e1")
	f := newOrchestratorFixture(t, u)

	result, err := f.orchestrator.OnInteraction(context.Background(), "u1", likeRequest("e2", models.ItemKindEvent))
	require.NoError(t, err)

	assert.Equal(t, models.PhaseColdStart, result.Phase)
	assert.Zero(t, f.content.recommendCalls.Load())
	assert.Zero(t, f.collaborative.recommendCalls.Load())

	stored := f.users.stored("u1")
	assert.Equal(t, 2, stored.InteractionCount())
	assert.NotEqual(t, u.Embedding, stored.Embedding, "content embedding still learns during cold start")
	assert.Equal(t, result.ItemIDs, stored.Recommendations)
}

func TestOrchestrator_HybridInteraction(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser(), neighbourUser())
	publisher := &MockPublisher{}
	publisher.On("PublishInteraction", mock.Anything, mock.MatchedBy(func(e *models.InteractionEvent) bool {
		return e.UserID == "me" && e.ItemID == "e7" && e.Kind == models.InteractionLike && !e.Removed
	})).Return(nil).Once()
	f.deps.Publisher = publisher
	f.rebuild()

	f.users.users["me"].Recommendations = []string{"stale-1", "stale-2"}

	result, err := f.orchestrator.OnInteraction(context.Background(), "me", likeRequest("e7", models.ItemKindEvent))
	require.NoError(t, err)

	assert.Equal(t, models.PhaseHybrid, result.Phase)
	assert.False(t, result.Degraded)
	assert.NotEmpty(t, result.ItemIDs)
	assert.NotContains(t, result.ItemIDs, "stale-1")
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5", "e7", "p1", "p2"} {
		assert.NotContains(t, result.ItemIDs, id, "logged items are not recommended")
	}
	assert.Contains(t, result.ItemIDs, "p3", "neighbour save reaches the list")

	stored := f.users.stored("me")
	assert.InDelta(t, 1.0, stored.Embedding.Norm(), 1e-9)
	assert.Equal(t, result.ItemIDs, stored.Recommendations)
	assert.True(t, stored.Has(models.InteractionLike, "e7"))
	assert.NotNil(t, stored.CollaborativeVector)

	assert.EqualValues(t, 1, f.content.recommendCalls.Load())
	assert.EqualValues(t, 1, f.collaborative.recommendCalls.Load())

	cached, ok, _ := f.cache.Get(context.Background(), "me")
	assert.True(t, ok)
	assert.Equal(t, result.ItemIDs, cached)

	require.Len(t, f.mirror.events, 1)
	assert.Equal(t, models.ItemKindEvent, f.mirror.events[0].ItemKind)
	publisher.AssertExpectations(t)
}

func TestOrchestrator_MissingItemEmbedding(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser(), neighbourUser())

	result, err := f.orchestrator.OnInteraction(context.Background(), "me", likeRequest("p-noemb", models.ItemKindPlace))
	require.NoError(t, err)
	assert.NotEmpty(t, result.ItemIDs)
	assert.InDelta(t, 1.0, f.users.stored("me").Embedding.Norm(), 1e-9)
}

func TestOrchestrator_ConcurrentLikesSerialize(t *testing.T) {
	user := hybridUser()
	f := newOrchestratorFixture(t, user, neighbourUser())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"e6", "e8"} {
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			_, err := f.orchestrator.OnInteraction(context.Background(), "me", likeRequest(itemID, models.ItemKindEvent))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored := f.users.stored("me")
	assert.True(t, stored.Has(models.InteractionLike, "e6"))
	assert.True(t, stored.Has(models.InteractionLike, "e8"))

	w := ContentWeight(models.InteractionLike)
	a, b := unit(testDim, 1, 0, 1, 0), unit(testDim, 1, 1, 1, 1)
	orderAB := vecmath.EMA(vecmath.EMA(user.Embedding, a, 0.15, w), b, 0.15, w)
	orderBA := vecmath.EMA(vecmath.EMA(user.Embedding, b, 0.15, w), a, 0.15, w)

	matches := func(want models.Vector) bool {
		for i := range want {
			if d := want[i] - stored.Embedding[i]; d > 1e-9 || d < -1e-9 {
				return false
			}
		}
		return true
	}
	assert.True(t, matches(orderAB) || matches(orderBA), "both updates applied in some serial order")
}

func TestOrchestrator_InteractionValidation(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser())
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		req     *models.InteractionRequest
		wantErr error
	}{
		{"missing item id", "me", &models.InteractionRequest{ItemKind: "event", Kind: "like"}, models.ErrInvalidRequest},
		{"bad item kind", "me", &models.InteractionRequest{ItemID: "e6", ItemKind: "hotel", Kind: "like"}, models.ErrInvalidRequest},
		{"missing kind", "me", &models.InteractionRequest{ItemID: "e6", ItemKind: "event"}, models.ErrInvalidRequest},
		{"unknown user", "ghost", likeRequest("e6", models.ItemKindEvent), models.ErrNotFound},
		{"unknown item", "me", likeRequest("nope", models.ItemKindEvent), models.ErrItemNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orchestrator.OnInteraction(ctx, tt.userID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOrchestrator_UnloggedKindsOnlyMoveEmbedding(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser(), neighbourUser())
	before := f.users.stored("me")

	for _, kind := range []string{"view", "Share", "bookmark"} {
		_, err := f.orchestrator.OnInteraction(context.Background(), "me",
			&models.InteractionRequest{ItemID: "e6", ItemKind: "event", Kind: kind})
		require.NoError(t, err, kind)
	}

	after := f.users.stored("me")
	assert.Equal(t, before.InteractionCount(), after.InteractionCount())
	assert.NotEqual(t, before.Embedding, after.Embedding)
	assert.Empty(t, f.mirror.events, "unlogged kinds are not mirrored")
}

func TestOrchestrator_RemoveInteraction(t *testing.T) {
	ctx := context.Background()

	t.Run("only logged kinds can be removed", func(t *testing.T) {
		f := newOrchestratorFixture(t, hybridUser())
		_, err := f.orchestrator.RemoveInteraction(ctx, "me", "e1", "view")
		assert.ErrorIs(t, err, models.ErrInvalidInteractionKind)
	})

	t.Run("removal regenerates", func(t *testing.T) {
		f := newOrchestratorFixture(t, hybridUser(), neighbourUser())

		result, err := f.orchestrator.RemoveInteraction(ctx, "me", "e1", "like")
		require.NoError(t, err)

		stored := f.users.stored("me")
		assert.False(t, stored.Has(models.InteractionLike, "e1"))
		assert.Equal(t, 6, stored.InteractionCount())
		assert.Equal(t, result.ItemIDs, stored.Recommendations)
		assert.Equal(t, 1, f.users.recommendationSets)

		require.Len(t, f.mirror.events, 1)
		assert.True(t, f.mirror.events[0].Removed)
	})

	t.Run("missing entry keeps the stored list", func(t *testing.T) {
		f := newOrchestratorFixture(t, hybridUser())
		f.users.users["me"].Recommendations = []string{"e8"}

		result, err := f.orchestrator.RemoveInteraction(ctx, "me", "e8", "save")
		require.NoError(t, err)
		assert.Equal(t, []string{"e8"}, result.ItemIDs)
		assert.Zero(t, f.users.recommendationSets)
		assert.Empty(t, f.mirror.events)
	})
}

func TestOrchestrator_GetRecommendations(t *testing.T) {
	f := newOrchestratorFixture(t, &models.User{ID: "u1", Recommendations: []string{"e1", "e2"}})
	ctx := context.Background()

	ids, err := f.orchestrator.GetRecommendations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	cached, ok, _ := f.cache.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, []string{"e1", "e2"}, cached)

	// Served from cache once populated.
	f.users.users["u1"].Recommendations = []string{"changed"}
	ids, err = f.orchestrator.GetRecommendations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	_, err = f.orchestrator.GetRecommendations(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

// gatedUsers blocks the first Get after it has read from the repository.
type gatedUsers struct {
	*memoryUsers
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *gatedUsers) Get(ctx context.Context, userID string) (*models.User, error) {
	user, err := g.memoryUsers.Get(ctx, userID)
	gated := false
	g.once.Do(func() { gated = true })
	if gated {
		close(g.read)
		<-g.release
	}
	return user, err
}

func TestOrchestrator_CacheFillDoesNotOverwriteNewerList(t *testing.T) {
	u := hybridUser()
	u.Recommendations = []string{"old"}
	f := newOrchestratorFixture(t, u, neighbourUser())
	gate := &gatedUsers{memoryUsers: f.users, read: make(chan struct{}), release: make(chan struct{})}
	f.deps.Users = gate
	f.rebuild()
	ctx := context.Background()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_, err := f.orchestrator.GetRecommendations(ctx, "me")
		assert.NoError(t, err)
	}()
	<-gate.read

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_, err := f.orchestrator.OnInteraction(ctx, "me", likeRequest("e6", models.ItemKindEvent))
		assert.NoError(t, err)
	}()

	select {
	case <-writerDone:
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)
	<-readerDone
	<-writerDone

	stored := f.users.stored("me").Recommendations
	require.NotEqual(t, []string{"old"}, stored)

	ids, err := f.orchestrator.GetRecommendations(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, stored, ids)
}

func TestOrchestrator_PersistFailureDegrades(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser(), neighbourUser())
	f.cache.lists["me"] = []string{"old"}
	f.users.setRecsErr = errors.New("disk full")

	result, err := f.orchestrator.Refresh(context.Background(), "me")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Contains(t, result.DegradedReasons, "persist_failed")
	assert.NotEmpty(t, result.ItemIDs)
	assert.Equal(t, 1, f.cache.invalidations)
}

type emptyRecommender struct{}

func (emptyRecommender) Recommend(context.Context, *models.User, int) (*CandidateSet, error) {
	return &CandidateSet{}, nil
}

// silentContent learns embeddings but never finds candidates.
type silentContent struct {
	ContentRecommender
}

func (silentContent) Recommend(context.Context, *models.User, int) (*CandidateSet, error) {
	return &CandidateSet{}, nil
}

func TestOrchestrator_NoCandidatesFallsBack(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser())
	f.deps.Content = silentContent{ContentRecommender: f.content.ContentRecommender}
	f.deps.Collaborative = emptyRecommender{}
	f.rebuild()

	result, err := f.orchestrator.Refresh(context.Background(), "me")
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Contains(t, result.DegradedReasons, "no_candidates")
	assert.ElementsMatch(t, []string{"e6", "e7", "e8"}, result.ItemIDs)
}

func TestOrchestrator_RecordsMetrics(t *testing.T) {
	f := newOrchestratorFixture(t, hybridUser(), neighbourUser())
	metrics := NewEngineMetrics(prometheus.NewRegistry(), quietLogger())
	f.deps.Metrics = metrics
	f.rebuild()

	_, err := f.orchestrator.OnInteraction(context.Background(), "me", likeRequest("e6", models.ItemKindEvent))
	require.NoError(t, err)
	_, err = f.orchestrator.OnInteraction(context.Background(), "me",
		&models.InteractionRequest{ItemID: "e7", ItemKind: "event", Kind: "bookmark"})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.generations.WithLabelValues("hybrid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.interactions.WithLabelValues("like")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.interactions.WithLabelValues("unknown")))
}

func TestEngineMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewEngineMetrics(reg, quietLogger())
	second := NewEngineMetrics(reg, quietLogger())

	assert.Same(t, first.generations, second.generations)

	second.observeResult(&models.RecommendationResult{Phase: models.PhaseHybrid, ItemIDs: []string{"e1"}}, 0.01)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.generations.WithLabelValues("hybrid")))

	count, err := testutil.GatherAndCount(reg, "recommendation_generations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
