package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables.
// The CHECK constraint on balance >= 0 is the last line of defense
// against overdraft, independent of any service-level check.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			user_id     VARCHAR(64) PRIMARY KEY,
			balance     BIGINT NOT NULL DEFAULT 0,
			currency    CHAR(3) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id            VARCHAR(36) PRIMARY KEY,
			user_id       VARCHAR(64) NOT NULL,
			type          VARCHAR(20) NOT NULL,
			amount        BIGINT NOT NULL,
			currency      CHAR(3) NOT NULL,
			reference_id  VARCHAR(64),
			metadata      JSONB,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_wallet_txn_user ON wallet_transactions(user_id);
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_ref ON wallet_transactions(reference_id);
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_created ON wallet_transactions(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, userID, currency string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallet_accounts (user_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = wallet_accounts.user_id
		RETURNING user_id, balance, currency, created_at, updated_at
	`, userID, currency).Scan(&acct.UserID, &acct.Balance, &acct.Currency, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acct.Currency = trimCurrency(acct.Currency)
	if acct.Currency != currency {
		return nil, ErrCurrencyMismatch
	}
	return acct, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, balance, currency, created_at, updated_at
		FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acct.UserID, &acct.Balance, &acct.Currency, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Currency = trimCurrency(acct.Currency)
	return acct, nil
}

// Apply records the transaction and adjusts the balance atomically.
func (p *PostgresStore) Apply(ctx context.Context, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currency string
	err = tx.QueryRowContext(ctx, `
		SELECT currency FROM wallet_accounts WHERE user_id = $1 FOR UPDATE
	`, txn.UserID).Scan(&currency)
	switch {
	case err == sql.ErrNoRows:
		// Credits auto-create the wallet; debits against no wallet fail
		if txn.Amount < 0 {
			return ErrAccountNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_accounts (user_id, balance, currency)
			VALUES ($1, 0, $2)
		`, txn.UserID, txn.Currency)
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
	case err != nil:
		return err
	default:
		if trimCurrency(currency) != txn.Currency {
			return ErrCurrencyMismatch
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, txn.UserID, txn.Amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}

	var metadata []byte
	if len(txn.Metadata) > 0 {
		metadata, err = json.Marshal(txn.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, currency, reference_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.Currency, txn.ReferenceID, metadata, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, COALESCE(reference_id, ''), metadata, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) FindByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, COALESCE(reference_id, ''), metadata, created_at
		FROM wallet_transactions
		WHERE reference_id = $1
		ORDER BY created_at ASC
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var typ string
		var metadata []byte
		if err := rows.Scan(&txn.ID, &txn.UserID, &typ, &txn.Amount, &txn.Currency, &txn.ReferenceID, &metadata, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Type = Type(typ)
		txn.Currency = trimCurrency(txn.Currency)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

// trimCurrency strips the blank padding CHAR(3) columns come back with.
func trimCurrency(c string) string {
	for len(c) > 0 && c[len(c)-1] == ' ' {
		c = c[:len(c)-1]
	}
	return c
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23514" // check_violation
	}
	return false
}
