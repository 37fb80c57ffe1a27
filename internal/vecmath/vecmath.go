// Package vecmath holds the embedding arithmetic shared by the recommenders
// and the in-memory similarity index.
package vecmath

import (
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/floats"

	"github.com/temcen/turirec/pkg/models"
)

// NormalSource is satisfied by *rand.Rand.
type NormalSource interface {
	NormFloat64() float64
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged.
func Normalize(v models.Vector) models.Vector {
	out := v.Clone()
	norm := floats.Norm(out, 2)
	if norm == 0 {
		return out
	}
	floats.Scale(1/norm, out)
	return out
}

// EMA blends an item vector into a user vector:
// normalize((1-alpha)*user + alpha*weight*item).
func EMA(user, item models.Vector, alpha, weight float64) models.Vector {
	out := user.Clone()
	floats.Scale(1-alpha, out)
	floats.AddScaled(out, alpha*weight, item)
	return Normalize(out)
}

// RandomUnit draws a gaussian vector scaled by scale and normalizes it.
func RandomUnit(src NormalSource, dim int, scale float64) models.Vector {
	v := make(models.Vector, dim)
	for i := range v {
		v[i] = src.NormFloat64() * scale
	}
	if floats.Norm(v, 2) == 0 {
		v[0] = 1
	}
	return Normalize(v)
}

func Dot(a, b models.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return vek.Dot(a, b)
}

func Cosine(a, b models.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return vek.Dot(a, b) / (na * nb)
}

// Decay is exp(-lambda * ageDays), clamped to 1 for future timestamps.
func Decay(lambda, ageDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-lambda * ageDays)
}
