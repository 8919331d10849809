package paylink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const linkColumns = `id, owner_id, provider, provider_config_id::text, amount, currency, description, status,
	coalesce(provider_reference_id, ''), link_url, expires_at, completed_at, metadata, created_at, updated_at`

const txnColumns = `id::text, payment_link_id, provider_transaction_id, amount, currency, status, paid_at, metadata, created_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists links in payment_links and transactions in
// transactions. The unique index on (payment_link_id, provider_transaction_id)
// is what makes duplicate webhook deliveries harmless.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgTx
}

// NewPostgresStore returns a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgTx: pgTx{q: pool}}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func decodeMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	md := map[string]string{}
	if err := json.Unmarshal(raw, &md); err != nil || len(md) == 0 {
		return nil
	}
	return md
}

func scanLink(row pgx.Row) (Link, error) {
	var (
		l        Link
		provider string
		status   string
		metadata []byte
	)
	err := row.Scan(&l.ID, &l.OwnerID, &provider, &l.ProviderConfigID, &l.Amount, &l.Currency, &l.Description,
		&status, &l.ProviderReferenceID, &l.LinkURL, &l.ExpiresAt, &l.CompletedAt, &metadata, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Link{}, err
	}
	l.Provider = payment.Provider(provider)
	l.Status = Status(status)
	l.Metadata = decodeMetadata(metadata)
	return l, nil
}

func scanTxn(row pgx.Row) (Transaction, error) {
	var (
		t        Transaction
		status   string
		metadata []byte
	)
	if err := row.Scan(&t.ID, &t.PaymentLinkID, &t.ProviderTransactionID, &t.Amount, &t.Currency, &status,
		&t.PaidAt, &metadata, &t.CreatedAt); err != nil {
		return Transaction{}, err
	}
	t.Status = TxnStatus(status)
	t.Metadata = decodeMetadata(metadata)
	return t, nil
}

func (s *PostgresStore) Create(ctx context.Context, l Link) error {
	md, err := encodeMetadata(l.Metadata)
	if err != nil {
		return fmt.Errorf("encode link metadata: %w", err)
	}
	var ref *string
	if l.ProviderReferenceID != "" {
		ref = &l.ProviderReferenceID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payment_links (id, owner_id, provider, provider_config_id, amount, currency, description, status,
			provider_reference_id, link_url, expires_at, completed_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.OwnerID, string(l.Provider), l.ProviderConfigID, l.Amount, l.Currency, l.Description, string(l.Status),
		ref, l.LinkURL, l.ExpiresAt, l.CompletedAt, md, l.CreatedAt, l.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateLink
	}
	if err != nil {
		return fmt.Errorf("insert payment link: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByProviderReference(ctx context.Context, provider payment.Provider, ref string) (Link, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE provider = $1 AND provider_reference_id = $2`,
		string(provider), ref)
	l, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("find payment link by reference: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, f ListFilter) ([]Link, error) {
	var status *string
	if f.Status != "" {
		v := string(f.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM payment_links
		WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, ownerID, status, clampLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list payment links: %w", err)
	}
	return collectLinks(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, q PendingQuery) ([]Link, error) {
	var expires, created *time.Time
	if !q.ExpiresBefore.IsZero() {
		expires = &q.ExpiresBefore
	}
	if !q.CreatedBefore.IsZero() {
		created = &q.CreatedBefore
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM payment_links
		WHERE status = 'pending'
		  AND ($1::timestamptz IS NULL OR expires_at < $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at
		LIMIT $3`, expires, created, clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("list pending payment links: %w", err)
	}
	return collectLinks(rows)
}

func collectLinks(rows pgx.Rows) ([]Link, error) {
	defer rows.Close()
	out := make([]Link, 0)
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountByConfig(ctx context.Context, configID string) (int, error) {
	if _, err := uuid.Parse(configID); err != nil {
		return 0, nil
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM payment_links WHERE provider_config_id = $1`, configID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payment links by config: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, linkID string) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txnColumns+` FROM transactions WHERE payment_link_id = $1 ORDER BY created_at, id`, linkID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete locks the link row first so a concurrent settlement either commits
// before the settled check or waits for the delete.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var found string
		err := tx.QueryRow(ctx, `SELECT id FROM payment_links WHERE id = $1 FOR UPDATE`, id).Scan(&found)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock payment link: %w", err)
		}
		var settled bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_link_id = $1 AND status = 'completed')`, id).Scan(&settled); err != nil {
			return fmt.Errorf("check settled transactions: %w", err)
		}
		if settled {
			return ErrHasSettledTransactions
		}
		if _, err := tx.Exec(ctx, `DELETE FROM transactions WHERE payment_link_id = $1`, id); err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM payment_links WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete payment link: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTx{q: tx})
	})
}

// pgTx implements Tx against either the pool or an open transaction.
type pgTx struct {
	q querier
}

func (t pgTx) Get(ctx context.Context, id string) (Link, error) {
	l, err := scanLink(t.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("get payment link: %w", err)
	}
	return l, nil
}

// InsertTransaction relies on ON CONFLICT DO NOTHING rather than a prior
// existence check, so two racing deliveries cannot both insert.
func (t pgTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	md, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO transactions (id, payment_link_id, provider_transaction_id, amount, currency, status, paid_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_link_id, provider_transaction_id) DO NOTHING`,
		txn.ID, txn.PaymentLinkID, txn.ProviderTransactionID, txn.Amount, txn.Currency, string(txn.Status),
		txn.PaidAt, md, txn.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

func (t pgTx) Transition(ctx context.Context, id string, to Status, completedAt *time.Time) error {
	if !to.Terminal() {
		return ErrInvalidTransition
	}
	var completed *time.Time
	if to == StatusSucceeded {
		at := time.Now().UTC()
		if completedAt != nil {
			at = completedAt.UTC()
		}
		completed = &at
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE payment_links SET status = $2, completed_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, string(to), completed)
	if err != nil {
		return fmt.Errorf("transition payment link: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (t pgTx) AttachProviderReference(ctx context.Context, id, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := t.q.Exec(ctx, `
		UPDATE payment_links SET provider_reference_id = coalesce(provider_reference_id, $2), updated_at = now()
		WHERE id = $1`, id, ref)
	if isUniqueViolation(err) {
		return ErrDuplicateLink
	}
	if err != nil {
		return fmt.Errorf("attach provider reference: %w", err)
	}
	return nil
}
