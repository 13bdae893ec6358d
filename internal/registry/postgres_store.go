package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists providers in a `providers` table. Insertion order
// is preserved through a sequence column so routing tie-breaks survive a
// restart.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) ([]*Provider, error) {
	query := `
		SELECT id, name, api_base_url, api_key, models, format, enabled, max_tokens_limit, created_at, updated_at
		FROM providers
		ORDER BY seq ASC
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		err := rows.Scan(
			&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.Models,
			&p.Format, &p.Enabled, &p.MaxTokensLimit, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}

	return providers, nil
}

func (s *PostgresStore) Insert(ctx context.Context, p *Provider) error {
	query := `
		INSERT INTO providers (id, name, api_base_url, api_key, models, format, enabled, max_tokens_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.Exec(ctx, query,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.Models,
		p.Format, p.Enabled, p.MaxTokensLimit, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert provider: %w", err)
	}

	return nil
}

func (s *PostgresStore) Update(ctx context.Context, p *Provider) error {
	query := `
		UPDATE providers
		SET name = $2, api_base_url = $3, api_key = $4, models = $5,
		    format = $6, enabled = $7, max_tokens_limit = $8, updated_at = $9
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.Models,
		p.Format, p.Enabled, p.MaxTokensLimit, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM providers WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
