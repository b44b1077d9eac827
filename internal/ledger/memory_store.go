package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Transaction
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make([]*Transaction, 0),
	}
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, userID, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[userID]; ok {
		if acct.Currency != currency {
			return nil, ErrCurrencyMismatch
		}
		cp := *acct
		return &cp, nil
	}

	now := time.Now().UTC()
	acct := &Account{
		UserID:    userID,
		Balance:   0,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[userID] = acct
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[txn.UserID]
	if !ok {
		// Credits auto-create the wallet; debits against no wallet fail
		if txn.Amount < 0 {
			return ErrAccountNotFound
		}
		now := time.Now().UTC()
		acct = &Account{
			UserID:    txn.UserID,
			Currency:  txn.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[txn.UserID] = acct
	}

	if acct.Currency != txn.Currency {
		return ErrCurrencyMismatch
	}
	if acct.Balance+txn.Amount < 0 {
		return ErrInsufficientFunds
	}

	acct.Balance += txn.Amount
	acct.UpdatedAt = time.Now().UTC()

	cp := *txn
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, e := range m.entries {
		if e.ReferenceID == referenceID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}
