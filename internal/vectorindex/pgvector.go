package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/temcen/turirec/pkg/models"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PGVectorIndex runs kNN queries through the pgvector operators on the
// items and users tables.
type PGVectorIndex struct {
	db Querier
}

func NewPGVectorIndex(db Querier) *PGVectorIndex {
	return &PGVectorIndex{db: db}
}

func (p *PGVectorIndex) Search(ctx context.Context, space models.Space, query models.Vector, k int, filter *models.SearchFilter) ([]models.Match, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	sql, args, err := buildSearchQuery(space, query, k, filter)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search in %s failed: %w", space, err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan vector match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vector matches: %w", err)
	}
	return matches, nil
}

func buildSearchQuery(space models.Space, query models.Vector, k int, filter *models.SearchFilter) (string, []interface{}, error) {
	var table, column, distance, score string
	switch space {
	case models.SpaceItems:
		table, column = "items", "embedding"
		distance = "embedding <=> $1::float8[]::vector"
		score = "1 - (" + distance + ")"
	case models.SpaceUsers:
		table, column = "users", "collab_vector"
		distance = "collab_vector <#> $1::float8[]::vector"
		score = "-(" + distance + ")"
	default:
		return "", nil, fmt.Errorf("unknown vector space %q", space)
	}

	args := []interface{}{[]float64(query)}
	conds := []string{column + " IS NOT NULL"}

	if filter != nil {
		if filter.Kind != "" && space == models.SpaceItems {
			args = append(args, string(filter.Kind))
			conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
		}
		if len(filter.Exclude) > 0 {
			args = append(args, filter.Exclude)
			conds = append(conds, fmt.Sprintf("NOT (id = ANY($%d))", len(args)))
		}
	}

	args = append(args, k)
	sql := fmt.Sprintf(`
		SELECT id, %s AS score
		FROM %s
		WHERE %s
		ORDER BY %s
		LIMIT $%d`, score, table, strings.Join(conds, " AND "), distance, len(args))

	return sql, args, nil
}
