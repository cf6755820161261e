package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

const accountColumns = `user_id, weekly_limit, weekly_used, purchased_balance, purchased_used,
	window_start, version, created_at, updated_at`

// GetAccount loads the credit account of a user.
func (s *Store) GetAccount(ctx context.Context, userID string) (*domain.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`), userID)

	var (
		acct                     domain.CreditAccount
		window, created, updated int64
	)
	err := row.Scan(&acct.UserID, &acct.WeeklyLimit, &acct.WeeklyUsed, &acct.PurchasedBalance,
		&acct.PurchasedUsed, &window, &acct.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.WindowStart = fromMillis(window)
	acct.CreatedAt = fromMillis(created)
	acct.UpdatedAt = fromMillis(updated)
	return &acct, nil
}

// CreateAccount inserts acct unless the user already has an account.
func (s *Store) CreateAccount(ctx context.Context, acct *domain.CreditAccount) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO credit_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`),
		acct.UserID, acct.WeeklyLimit, acct.WeeklyUsed, acct.PurchasedBalance, acct.PurchasedUsed,
		millis(acct.WindowStart), acct.Version, millis(acct.CreatedAt), millis(acct.UpdatedAt),
	)
	return err
}

// UpdateAccount writes acct guarded by its version and records txn atomically.
// On success acct.Version is bumped to the stored version.
func (s *Store) UpdateAccount(ctx context.Context, acct *domain.CreditAccount, txn *domain.CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if txn != nil {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM credit_transactions WHERE reference = ?`), txn.Reference).Scan(&one)
		if err == nil {
			return domain.ErrDuplicateReference
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE credit_accounts SET
			weekly_limit = ?, weekly_used = ?, purchased_balance = ?, purchased_used = ?,
			window_start = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`),
		acct.WeeklyLimit, acct.WeeklyUsed, acct.PurchasedBalance, acct.PurchasedUsed,
		millis(acct.WindowStart), millis(acct.UpdatedAt), acct.UserID, acct.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentUpdate
	}

	if txn != nil {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO credit_transactions (id, user_id, type, amount, reference, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.Reference, millis(txn.CreatedAt),
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	acct.Version++
	return nil
}

// ResetWindows zeroes the consumption of every account whose window began
// before windowStart and records a weekly_reset entry restoring the spent
// allowance. Accounts already in the window are untouched, so running it
// twice in one window resets nothing the second time.
func (s *Store) ResetWindows(ctx context.Context, windowStart time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	prefix := "weekly-reset-" + windowStart.UTC().Format("2006-01-02") + "-"
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO credit_transactions (id, user_id, type, amount, reference, created_at)
		SELECT CAST(? AS TEXT) || user_id, user_id, ?, weekly_used, CAST(? AS TEXT) || user_id, ?
		FROM credit_accounts WHERE window_start < ?
		ON CONFLICT (reference) DO NOTHING`),
		prefix, string(domain.TxWeeklyReset), prefix, now, millis(windowStart),
	)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE credit_accounts SET
			weekly_used = 0, purchased_used = 0, window_start = ?,
			version = version + 1, updated_at = ?
		WHERE window_start < ?`),
		millis(windowStart), now, millis(windowStart),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// FindCreditTransaction looks a ledger entry up by its idempotency reference. It
// returns nil when no entry carries reference.
func (s *Store) FindCreditTransaction(ctx context.Context, reference string) (*domain.CreditTransaction, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, type, amount, reference, created_at
		FROM credit_transactions WHERE reference = ?`), reference)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

// ListCreditTransactions returns a user's ledger entries, newest first.
func (s *Store) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, type, amount, reference, created_at
		FROM credit_transactions WHERE user_id = ?
		ORDER BY created_at DESC, id LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.CreditTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func scanTransaction(row scanner) (*domain.CreditTransaction, error) {
	var (
		txn     domain.CreditTransaction
		typ     string
		created int64
	)
	if err := row.Scan(&txn.ID, &txn.UserID, &typ, &txn.Amount, &txn.Reference, &created); err != nil {
		return nil, err
	}
	txn.Type = domain.TransactionType(typ)
	txn.CreatedAt = fromMillis(created)
	return &txn, nil
}
