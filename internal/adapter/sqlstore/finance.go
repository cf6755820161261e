package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/taxbracket/backend/internal/domain"
)

// ReplaceFileTransactions swaps every transaction of fileID in one database
// transaction, so a re-parsed file never duplicates rows.
func (s *Store) ReplaceFileTransactions(ctx context.Context, fileID string, txns []domain.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM statement_transactions WHERE file_id = ?`), fileID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO statement_transactions
			(id, file_id, user_id, tax_year, tx_date, description, amount, direction, category, sub_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range txns {
		t := &txns[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, t.ID, fileID, t.UserID, t.TaxYear, millis(t.Date),
			t.Description, t.Amount, string(t.Direction), t.Category, t.SubCategory); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTransactions returns every parsed transaction of a user's tax year in date order.
func (s *Store) ListTransactions(ctx context.Context, userID string, taxYear int) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, file_id, user_id, tax_year, tx_date, description, amount, direction, category, sub_category
		FROM statement_transactions WHERE user_id = ? AND tax_year = ?
		ORDER BY tx_date, id`), userID, taxYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var (
			t         domain.Transaction
			date      int64
			direction string
		)
		if err := rows.Scan(&t.ID, &t.FileID, &t.UserID, &t.TaxYear, &date, &t.Description,
			&t.Amount, &direction, &t.Category, &t.SubCategory); err != nil {
			return nil, err
		}
		t.Date = fromMillis(date)
		t.Direction = domain.Direction(direction)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// SaveAggregate upserts the aggregate and bumps its version.
func (s *Store) SaveAggregate(ctx context.Context, agg *domain.Aggregate) (int, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return 0, err
	}
	var version int
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO tax_aggregates (user_id, tax_year, version, data, computed_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (user_id, tax_year) DO UPDATE SET
			version = tax_aggregates.version + 1,
			data = excluded.data,
			computed_at = excluded.computed_at
		RETURNING version`),
		agg.UserID, agg.TaxYear, string(data), millis(agg.ComputedAt),
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	agg.Version = version
	return version, nil
}

// GetAggregate loads the latest aggregate of a user's tax year.
func (s *Store) GetAggregate(ctx context.Context, userID string, taxYear int) (*domain.Aggregate, error) {
	var (
		version int
		data    string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT version, data FROM tax_aggregates WHERE user_id = ? AND tax_year = ?`),
		userID, taxYear).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, err
	}
	var agg domain.Aggregate
	if err := json.Unmarshal([]byte(data), &agg); err != nil {
		return nil, err
	}
	agg.Version = version
	return &agg, nil
}

// SaveContext upserts the compact context and bumps its version.
func (s *Store) SaveContext(ctx context.Context, c *domain.TaxContext) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO tax_contexts (user_id, tax_year, version, context, token_estimate, built_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (user_id, tax_year) DO UPDATE SET
			version = tax_contexts.version + 1,
			context = excluded.context,
			token_estimate = excluded.token_estimate,
			built_at = excluded.built_at
		RETURNING version`),
		c.UserID, c.TaxYear, string(c.Context), c.TokenEstimate, millis(c.BuiltAt),
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	c.Version = version
	return version, nil
}

// GetContext loads the latest compact context of a user's tax year.
func (s *Store) GetContext(ctx context.Context, userID string, taxYear int) (*domain.TaxContext, error) {
	var (
		c       domain.TaxContext
		raw     string
		builtAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT user_id, tax_year, version, context, token_estimate, built_at
		FROM tax_contexts WHERE user_id = ? AND tax_year = ?`), userID, taxYear,
	).Scan(&c.UserID, &c.TaxYear, &c.Version, &raw, &c.TokenEstimate, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrContextNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Context = json.RawMessage(raw)
	c.BuiltAt = fromMillis(builtAt)
	return &c, nil
}
