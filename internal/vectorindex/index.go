// Package vectorindex answers k-nearest-neighbour queries over the item and
// user embedding spaces.
//
// Item space scores are cosine similarities. User space scores are inner
// products of unit vectors, which is the same quantity for normalized input.
package vectorindex

import (
	"context"

	"github.com/temcen/turirec/pkg/models"
)

// Searcher is implemented by every backend and by the breaker wrapper.
type Searcher interface {
	Search(ctx context.Context, space models.Space, query models.Vector, k int, filter *models.SearchFilter) ([]models.Match, error)
}

func excludeSet(filter *models.SearchFilter) map[string]struct{} {
	if filter == nil || len(filter.Exclude) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(filter.Exclude))
	for _, id := range filter.Exclude {
		set[id] = struct{}{}
	}
	return set
}
