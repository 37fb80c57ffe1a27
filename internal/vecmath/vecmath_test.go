package vecmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/temcen/turirec/pkg/models"
)

func TestNormalize(t *testing.T) {
	t.Run("unit norm", func(t *testing.T) {
		v := Normalize(models.Vector{3, 4})
		assert.InDelta(t, 0.6, v[0], 1e-9)
		assert.InDelta(t, 0.8, v[1], 1e-9)
		assert.InDelta(t, 1.0, v.Norm(), 1e-9)
	})

	t.Run("zero vector passes through", func(t *testing.T) {
		v := Normalize(models.Vector{0, 0, 0})
		assert.Equal(t, models.Vector{0, 0, 0}, v)
	})

	t.Run("input is not mutated", func(t *testing.T) {
		in := models.Vector{3, 4}
		Normalize(in)
		assert.Equal(t, models.Vector{3, 4}, in)
	})
}

func TestEMA(t *testing.T) {
	user := models.Vector{1, 0, 0}
	item := models.Vector{0, 1, 0}

	got := EMA(user, item, 0.15, 0.8)

	// (0.85, 0.12, 0) normalized
	norm := math.Sqrt(0.85*0.85 + 0.12*0.12)
	assert.InDelta(t, 0.85/norm, got[0], 1e-9)
	assert.InDelta(t, 0.12/norm, got[1], 1e-9)
	assert.InDelta(t, 1.0, got.Norm(), 1e-9)
	assert.Equal(t, models.Vector{1, 0, 0}, user)
}

func TestEMAOfOppositeVectorsCollapsesToZero(t *testing.T) {
	zero := EMA(models.Vector{1, 0}, models.Vector{-1, 0}, 0.5, 1)
	assert.True(t, zero.IsZero())
}

func TestRandomUnit(t *testing.T) {
	src := rand.New(rand.NewSource(7))
	v := RandomUnit(src, 384, 0.01)
	assert.Len(t, v, 384)
	assert.InDelta(t, 1.0, v.Norm(), 1e-9)

	again := RandomUnit(rand.New(rand.NewSource(7)), 384, 0.01)
	assert.Equal(t, v, again, "same seed must give the same vector")
}

func TestSimilarity(t *testing.T) {
	a := models.Vector{1, 0}
	b := models.Vector{0.6, 0.8}

	assert.InDelta(t, 0.6, Dot(a, b), 1e-9)
	assert.InDelta(t, 0.6, Cosine(a, b), 1e-9)
	assert.Zero(t, Cosine(a, models.Vector{0, 0}))
	assert.Zero(t, Dot(a, models.Vector{1}))
}

func TestDecay(t *testing.T) {
	assert.Equal(t, 1.0, Decay(0.01, 0))
	assert.Equal(t, 1.0, Decay(0.01, -3))
	assert.InDelta(t, math.Exp(-1), Decay(0.01, 100), 1e-12)
}
