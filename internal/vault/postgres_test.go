package vault_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/db"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	m, err := db.NewMigrator(url)
	require.NoError(t, err)
	require.NoError(t, db.Up(m))
	_, _ = m.Close()

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStoreMalformedIDsAreNotFound(t *testing.T) {
	store := vault.NewPostgresStore(nil)
	ctx := context.Background()

	_, err := store.Get(ctx, "cfg-1")
	require.ErrorIs(t, err, vault.ErrNotFound)
	require.ErrorIs(t, store.Update(ctx, vault.ProviderConfig{ID: "not-a-uuid"}), vault.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "'; drop table provider_configs; --"), vault.ErrNotFound)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	pool := testPool(t)
	store := vault.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	owner := "owner-" + uuid.NewString()

	cfg := vault.ProviderConfig{
		ID:                   uuid.NewString(),
		OwnerID:              owner,
		Provider:             payment.ProviderKomoju,
		DisplayName:          "KOMOJU",
		EncryptedCredentials: "sealed",
		IsTestMode:           true,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, store.Create(ctx, cfg))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM payment_links WHERE provider_config_id = $1`, cfg.ID)
		_, _ = pool.Exec(context.Background(), `DELETE FROM provider_configs WHERE id = $1`, cfg.ID)
	})

	got, err := store.Get(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, owner, got.OwnerID)
	require.Equal(t, payment.ProviderKomoju, got.Provider)

	_, err = store.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, vault.ErrNotFound)

	got.DisplayName = "KOMOJU main"
	got.IsActive = false
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.Update(ctx, got))
	listed, err := store.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "KOMOJU main", listed[0].DisplayName)
	require.False(t, listed[0].IsActive)

	_, err = pool.Exec(ctx, `
		INSERT INTO payment_links (id, owner_id, provider, provider_config_id, amount, currency)
		VALUES ($1, $2, 'komoju', $3, 500, 'JPY')`, "pl_"+uuid.NewString(), owner, cfg.ID)
	require.NoError(t, err)
	require.ErrorIs(t, store.Delete(ctx, cfg.ID), vault.ErrConfigInUse)

	_, err = pool.Exec(ctx, `DELETE FROM payment_links WHERE provider_config_id = $1`, cfg.ID)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, cfg.ID))
	require.ErrorIs(t, store.Delete(ctx, cfg.ID), vault.ErrNotFound)
}
