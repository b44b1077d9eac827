package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_transactions (
			id               VARCHAR(36) PRIMARY KEY,
			buyer_id         VARCHAR(64) NOT NULL,
			seller_id        VARCHAR(64) NOT NULL,
			item_id          VARCHAR(64) NOT NULL,
			price            BIGINT NOT NULL,
			marketplace_fee  BIGINT NOT NULL,
			processing_fee   BIGINT NOT NULL,
			seller_receives  BIGINT NOT NULL,
			currency         CHAR(3) NOT NULL,
			status           VARCHAR(20) NOT NULL,
			shipping_status  VARCHAR(20) NOT NULL,
			tracking_number  VARCHAR(100),
			processor_ref    VARCHAR(255),
			auto_release_at  TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ,
			CONSTRAINT chk_fee_split CHECK (seller_receives + marketplace_fee + processing_fee = price)
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_buyer ON escrow_transactions(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_seller ON escrow_transactions(seller_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_transactions(status);
		CREATE INDEX IF NOT EXISTS idx_escrow_auto_release ON escrow_transactions(auto_release_at) WHERE status = 'held';
	`)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, item_id, price, marketplace_fee,
	processing_fee, seller_receives, currency, status, shipping_status,
	COALESCE(tracking_number, ''), COALESCE(processor_ref, ''),
	auto_release_at, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (id, buyer_id, seller_id, item_id, price,
			marketplace_fee, processing_fee, seller_receives, currency, status,
			shipping_status, tracking_number, processor_ref, auto_release_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16)
	`, txn.ID, txn.BuyerID, txn.SellerID, txn.ItemID, txn.Price,
		txn.MarketplaceFee, txn.ProcessingFee, txn.SellerReceives, txn.Currency,
		string(txn.Status), string(txn.ShippingStatus), txn.TrackingNumber,
		txn.ProcessorRef, txn.AutoReleaseAt, txn.CreatedAt, txn.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1
	`, id)
	txn, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) Update(ctx context.Context, txn *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $2, shipping_status = $3, tracking_number = NULLIF($4, ''),
			processor_ref = NULLIF($5, ''), auto_release_at = $6, updated_at = $7,
			completed_at = $8
		WHERE id = $1
	`, txn.ID, string(txn.Status), string(txn.ShippingStatus), txn.TrackingNumber,
		txn.ProcessorRef, txn.AutoReleaseAt, txn.UpdatedAt, txn.CompletedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE status = 'held' AND auto_release_at < $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Transaction, error) {
	txn := &Transaction{}
	var status, shipping string
	var completedAt sql.NullTime
	err := row.Scan(&txn.ID, &txn.BuyerID, &txn.SellerID, &txn.ItemID, &txn.Price,
		&txn.MarketplaceFee, &txn.ProcessingFee, &txn.SellerReceives, &txn.Currency,
		&status, &shipping, &txn.TrackingNumber, &txn.ProcessorRef,
		&txn.AutoReleaseAt, &txn.CreatedAt, &txn.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	txn.Status = Status(status)
	txn.ShippingStatus = ShippingStatus(shipping)
	txn.Currency = trimCurrency(txn.Currency)
	if completedAt.Valid {
		t := completedAt.Time
		txn.CompletedAt = &t
	}
	return txn, nil
}

func scanEscrows(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		txn, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

func trimCurrency(c string) string {
	for len(c) > 0 && c[len(c)-1] == ' ' {
		c = c[:len(c)-1]
	}
	return c
}
