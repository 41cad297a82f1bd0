package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yichenzhou/groupflow/internal/domain"
)

type bookMetaStore struct {
	pool *pgxpool.Pool
}

// NewBookMetaStore wraps a pgxpool with the BookMetaStore interface.
func NewBookMetaStore(pool *pgxpool.Pool) BookMetaStore {
	return &bookMetaStore{pool: pool}
}

func (s *bookMetaStore) Get(ctx context.Context, bookID string) (*domain.BookMeta, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT book_id, title, total_episodes FROM book_meta WHERE book_id = $1
	`, bookID)

	var meta domain.BookMeta
	if err := row.Scan(&meta.BookID, &meta.Title, &meta.TotalEpisodes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.BookMetaNotFoundError{BookID: bookID}
		}
		return nil, fmt.Errorf("get book meta %s: %w", bookID, err)
	}
	return &meta, nil
}
