// Package ledger tracks per-user wallet balances on the marketplace.
//
// Flow:
//  1. Buyer deposits funds (payment processor settles externally)
//  2. Ledger credits the buyer's wallet
//  3. Checkout charges the wallet for escrow purchases
//  4. Escrow resolution refunds the buyer or pays out the seller
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slabworks/slabmarket/internal/idgen"
	"github.com/slabworks/slabmarket/internal/money"
	"github.com/slabworks/slabmarket/internal/syncutil"
	"github.com/slabworks/slabmarket/internal/traces"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountNotFound    = errors.New("account not found")
	ErrCurrencyMismatch   = errors.New("currency mismatch")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidType        = errors.New("invalid transaction type")
	ErrLedgerUnavailable  = errors.New("ledger temporarily unavailable")
)

// Type classifies a wallet transaction.
type Type string

const (
	TypeDeposit    Type = "deposit"
	TypeCharge     Type = "charge"
	TypeRefund     Type = "refund"
	TypeAdjustment Type = "adjustment"
)

// Account is a user's wallet. Balance is in minor units (cents).
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is signed: positive
// credits the wallet, negative debits it.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        Type              `json:"type"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store persists accounts and transactions. Apply must atomically append
// the transaction and adjust the account balance, rejecting any write
// that would leave the balance negative.
type Store interface {
	EnsureAccount(ctx context.Context, userID, currency string) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Apply(ctx context.Context, txn *Transaction) error
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	FindByReference(ctx context.Context, referenceID string) ([]*Transaction, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
}

// Notifier receives fire-and-forget signals for recorded transactions.
type Notifier interface {
	WalletTransactionRecorded(txn *Transaction)
}

// ApplyRequest describes a balance mutation.
type ApplyRequest struct {
	UserID      string
	Type        Type
	Amount      int64
	Currency    string
	ReferenceID string
	Metadata    map[string]string
}

// Ledger manages wallet balances. All mutations for a given user are
// serialized through a per-user lock so balance checks and writes cannot
// interleave.
type Ledger struct {
	store    Store
	notifier Notifier
	locks    syncutil.ShardedMutex
}

// New creates a new ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithNotifier attaches a fire-and-forget notifier.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// EnsureAccount creates the user's wallet if it does not exist yet.
func (l *Ledger) EnsureAccount(ctx context.Context, userID, currency string) (*Account, error) {
	if !money.ValidCurrency(currency) {
		return nil, ErrCurrencyMismatch
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	acct, err := l.store.EnsureAccount(ctx, userID, currency)
	if err != nil {
		return nil, l.wrapStoreErr(err)
	}
	return acct, nil
}

// GetBalance returns the user's current balance in minor units.
// A user with no account has a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, l.wrapStoreErr(err)
	}
	return acct.Balance, nil
}

// GetAccount returns the user's wallet.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, l.wrapStoreErr(err)
	}
	return acct, nil
}

// Apply records a transaction and adjusts the balance atomically.
func (l *Ledger) Apply(ctx context.Context, req ApplyRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Apply",
		traces.UserID(req.UserID), traces.Amount(req.Amount))
	defer span.End()

	done := observeOp(string(req.Type))
	defer done()

	if err := validateApply(req); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(req.UserID)
	defer unlock()

	txn := &Transaction{
		ID:          idgen.WithPrefix("wtx_"),
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ReferenceID: req.ReferenceID,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	if err := l.store.Apply(ctx, txn); err != nil {
		return nil, l.wrapStoreErr(err)
	}
	if l.notifier != nil {
		l.notifier.WalletTransactionRecorded(txn)
	}
	return txn, nil
}

// Deposit credits the user's wallet.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64, currency, referenceID string) (*Transaction, error) {
	return l.Apply(ctx, ApplyRequest{
		UserID:      userID,
		Type:        TypeDeposit,
		Amount:      amount,
		Currency:    currency,
		ReferenceID: referenceID,
	})
}

// Charge debits the user's wallet. Amount is given positive and
// recorded negative.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, currency, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.Apply(ctx, ApplyRequest{
		UserID:      userID,
		Type:        TypeCharge,
		Amount:      -amount,
		Currency:    currency,
		ReferenceID: referenceID,
	})
}

// Refund credits back a previously charged amount.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, currency, referenceID string) (*Transaction, error) {
	return l.Apply(ctx, ApplyRequest{
		UserID:      userID,
		Type:        TypeRefund,
		Amount:      amount,
		Currency:    currency,
		ReferenceID: referenceID,
	})
}

// Withdraw moves funds out of the wallet toward an external payout.
// Recorded as a negative adjustment tagged with kind=withdraw.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount int64, currency, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.Apply(ctx, ApplyRequest{
		UserID:      userID,
		Type:        TypeAdjustment,
		Amount:      -amount,
		Currency:    currency,
		ReferenceID: referenceID,
		Metadata:    map[string]string{"kind": "withdraw"},
	})
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	txns, err := l.store.History(ctx, userID, limit)
	if err != nil {
		return nil, l.wrapStoreErr(err)
	}
	return txns, nil
}

// FindByReference returns all transactions that share a reference ID,
// e.g. every ledger movement caused by one escrow transaction.
func (l *Ledger) FindByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	txns, err := l.store.FindByReference(ctx, referenceID)
	if err != nil {
		return nil, l.wrapStoreErr(err)
	}
	return txns, nil
}

// Audit verifies that the stored balance equals the sum of all entries.
func (l *Ledger) Audit(ctx context.Context, userID string) error {
	unlock := l.locks.Lock(userID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return l.wrapStoreErr(err)
	}
	sum, err := l.store.SumEntries(ctx, userID)
	if err != nil {
		return l.wrapStoreErr(err)
	}
	if sum != acct.Balance {
		return fmt.Errorf("audit mismatch for %s: balance=%d entries=%d", userID, acct.Balance, sum)
	}
	return nil
}

func validateApply(req ApplyRequest) error {
	if req.Amount == 0 {
		return ErrInvalidAmount
	}
	if !money.ValidCurrency(req.Currency) {
		return ErrCurrencyMismatch
	}
	switch req.Type {
	case TypeDeposit, TypeRefund:
		if req.Amount <= 0 {
			return ErrInvalidAmount
		}
	case TypeCharge:
		if req.Amount >= 0 {
			return ErrInvalidAmount
		}
	case TypeAdjustment:
		// Either sign is fine
	default:
		return ErrInvalidType
	}
	return nil
}

// wrapStoreErr passes domain errors through and marks everything else as
// a retryable availability failure.
func (l *Ledger) wrapStoreErr(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		WalletInsufficientFundsTotal.Inc()
		return err
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidAmount):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
}
