package dispute

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table. The unique index on
// transaction_id enforces at most one dispute per transaction.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id             VARCHAR(36) PRIMARY KEY,
			transaction_id VARCHAR(36) NOT NULL UNIQUE,
			created_by_id  VARCHAR(64) NOT NULL,
			type           VARCHAR(30) NOT NULL,
			title          VARCHAR(200) NOT NULL,
			description    TEXT,
			priority       VARCHAR(10) NOT NULL,
			status         VARCHAR(20) NOT NULL,
			resolution     TEXT,
			outcome        VARCHAR(10),
			moderator_id   VARCHAR(64),
			resolved_at    TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
	`)
	return err
}

const disputeColumns = `id, transaction_id, created_by_id, type, title,
	COALESCE(description, ''), priority, status, COALESCE(resolution, ''),
	COALESCE(outcome, ''), COALESCE(moderator_id, ''), resolved_at,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, created_by_id, type, title,
			description, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
	`, d.ID, d.TransactionID, d.CreatedByID, string(d.Type), d.Title,
		d.Description, string(d.Priority), string(d.Status), d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1
	`, transactionID)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			priority = $2, status = $3, resolution = NULLIF($4, ''),
			outcome = NULLIF($5, ''), moderator_id = NULLIF($6, ''),
			resolved_at = $7, updated_at = $8
		WHERE id = $1
	`, d.ID, string(d.Priority), string(d.Status), d.Resolution,
		d.Outcome, d.ModeratorID, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('open', 'under_review', 'escalated')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var typ, priority, status string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TransactionID, &d.CreatedByID, &typ, &d.Title,
		&d.Description, &priority, &status, &d.Resolution, &d.Outcome,
		&d.ModeratorID, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Type = Type(typ)
	d.Priority = Priority(priority)
	d.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}
