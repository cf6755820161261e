package credits

import (
	"context"
	"sync"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

type mockLedgerRepo struct {
	mu       sync.Mutex
	accounts map[string]domain.CreditAccount
	txns     []domain.CreditTransaction
	updates  int
}

func newMockLedgerRepo() *mockLedgerRepo {
	return &mockLedgerRepo{accounts: make(map[string]domain.CreditAccount)}
}

func (m *mockLedgerRepo) GetAccount(ctx context.Context, userID string) (*domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acct, nil
}

func (m *mockLedgerRepo) CreateAccount(ctx context.Context, acct *domain.CreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.UserID]; !ok {
		m.accounts[acct.UserID] = *acct
	}
	return nil
}

func (m *mockLedgerRepo) UpdateAccount(ctx context.Context, acct *domain.CreditAccount, txn *domain.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn != nil {
		for _, t := range m.txns {
			if t.Reference == txn.Reference {
				return domain.ErrDuplicateReference
			}
		}
	}
	stored, ok := m.accounts[acct.UserID]
	if !ok || stored.Version != acct.Version {
		return domain.ErrConcurrentUpdate
	}
	acct.Version++
	m.accounts[acct.UserID] = *acct
	if txn != nil {
		m.txns = append(m.txns, *txn)
	}
	m.updates++
	return nil
}

func (m *mockLedgerRepo) ResetWindows(ctx context.Context, windowStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, acct := range m.accounts {
		if acct.WindowStart.Before(windowStart) {
			acct.WeeklyUsed, acct.PurchasedUsed = 0, 0
			acct.WindowStart = windowStart
			acct.Version++
			m.accounts[id] = acct
			n++
		}
	}
	return n, nil
}

func (m *mockLedgerRepo) FindCreditTransaction(ctx context.Context, reference string) (*domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.Reference == reference {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *mockLedgerRepo) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txns[i].UserID == userID {
			out = append(out, m.txns[i])
		}
	}
	return out, nil
}

func (m *mockLedgerRepo) put(acct domain.CreditAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.UserID] = acct
}

func (m *mockLedgerRepo) get(userID string) domain.CreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID]
}
