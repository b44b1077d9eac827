package listing

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			item_id    VARCHAR(64) PRIMARY KEY,
			seller_id  VARCHAR(64) NOT NULL,
			price      BIGINT NOT NULL,
			currency   CHAR(3) NOT NULL,
			available  BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller_id);
	`)
	return err
}

func (p *PostgresStore) Put(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (item_id, seller_id, price, currency, available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id) DO UPDATE SET
			seller_id = $2, price = $3, currency = $4, available = $5
	`, l.ItemID, l.SellerID, l.Price, l.Currency, l.Available)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, itemID string) (*Listing, error) {
	l := &Listing{}
	err := p.db.QueryRowContext(ctx, `
		SELECT item_id, seller_id, price, currency, available
		FROM listings WHERE item_id = $1
	`, itemID).Scan(&l.ItemID, &l.SellerID, &l.Price, &l.Currency, &l.Available)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for len(l.Currency) > 0 && l.Currency[len(l.Currency)-1] == ' ' {
		l.Currency = l.Currency[:len(l.Currency)-1]
	}
	return l, nil
}

func (p *PostgresStore) SetAvailable(ctx context.Context, itemID string, available bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET available = $2 WHERE item_id = $1
	`, itemID, available)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
