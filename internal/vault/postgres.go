package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

const pgForeignKeyViolation = "23503"

const configColumns = `id::text, owner_id, provider, display_name, encrypted_credentials,
	is_test_mode, is_active, last_verified_at, created_at, updated_at`

// PostgresStore persists provider configs in the provider_configs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// validID reports whether id can name a provider_configs row. Malformed ids
// are answered as not found instead of reaching the uuid cast in Postgres.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanConfig(row pgx.Row) (ProviderConfig, error) {
	var (
		cfg      ProviderConfig
		provider string
	)
	err := row.Scan(&cfg.ID, &cfg.OwnerID, &provider, &cfg.DisplayName, &cfg.EncryptedCredentials,
		&cfg.IsTestMode, &cfg.IsActive, &cfg.LastVerifiedAt, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return ProviderConfig{}, err
	}
	cfg.Provider = payment.Provider(provider)
	return cfg, nil
}

func (s *PostgresStore) Create(ctx context.Context, cfg ProviderConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_configs (id, owner_id, provider, display_name, encrypted_credentials,
			is_test_mode, is_active, last_verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cfg.ID, cfg.OwnerID, string(cfg.Provider), cfg.DisplayName, cfg.EncryptedCredentials,
		cfg.IsTestMode, cfg.IsActive, cfg.LastVerifiedAt, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert provider config: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (ProviderConfig, error) {
	if !validID(id) {
		return ProviderConfig{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM provider_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderConfig{}, ErrNotFound
	}
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("get provider config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]ProviderConfig, error) {
	return s.list(ctx, `SELECT `+configColumns+` FROM provider_configs WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
}

func (s *PostgresStore) ListActiveByProvider(ctx context.Context, provider payment.Provider) ([]ProviderConfig, error) {
	return s.list(ctx, `SELECT `+configColumns+` FROM provider_configs WHERE provider = $1 AND is_active ORDER BY created_at, id`, string(provider))
}

func (s *PostgresStore) list(ctx context.Context, query string, arg any) ([]ProviderConfig, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()
	out := make([]ProviderConfig, 0)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, cfg ProviderConfig) error {
	if !validID(cfg.ID) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_configs
		SET display_name = $2, encrypted_credentials = $3, is_test_mode = $4, is_active = $5,
			last_verified_at = $6, updated_at = $7
		WHERE id = $1`,
		cfg.ID, cfg.DisplayName, cfg.EncryptedCredentials, cfg.IsTestMode, cfg.IsActive,
		cfg.LastVerifiedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update provider config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM provider_configs WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrConfigInUse
		}
		return fmt.Errorf("delete provider config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
