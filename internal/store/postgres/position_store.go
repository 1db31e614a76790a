package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuxto/eutrading/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, account_id, symbol, side, entry_price, size, leverage,
	margin, stop_loss, take_profit, liquidation_price, status, exit_price,
	pnl, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &side,
		&p.EntryPrice, &p.Size, &p.Leverage, &p.Margin,
		&p.StopLoss, &p.TakeProfit, &p.LiquidationPrice,
		&status, &p.ExitPrice, &p.PnL,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Open inserts the position and debits its margin from the owning account in
// a single transaction. The debit is conditional on sufficient balance, so
// an account can never go negative at open.
func (s *PositionStore) Open(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: open position begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2`,
		p.AccountID, p.Margin,
	)
	if err != nil {
		return fmt.Errorf("postgres: debit margin for %s: %w", p.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the account does not exist or it cannot cover the margin.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, p.AccountID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check account %s: %w", p.AccountID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, entry_price, size, leverage,
			margin, stop_loss, take_profit, liquidation_price, status,
			opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, 'open',
			$12, NOW()
		)`,
		p.ID, p.AccountID, p.Symbol, string(p.Side),
		p.EntryPrice, p.Size, p.Leverage,
		p.Margin, p.StopLoss, p.TakeProfit, p.LiquidationPrice,
		p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: open position commit: %w", err)
	}
	return nil
}

// Settle marks the position closed and credits the account in one
// transaction. The close mark is guarded by status = 'open'; a concurrent
// writer that already closed the row makes this a no-op returning
// ErrAlreadyClosed, and the credit is never applied twice.
func (s *PositionStore) Settle(ctx context.Context, id string, exitPrice, pnl, credit float64, closedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: settle begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	err = tx.QueryRow(ctx, `
		UPDATE positions
		SET status = 'closed', exit_price = $2, pnl = $3, closed_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING account_id`,
		id, exitPrice, pnl, closedAt,
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAlreadyClosed
		}
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}

	// Atomic increment, never read-then-write: two settlements on the same
	// account may commit concurrently without losing an update.
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1`,
		accountID, credit,
	); err != nil {
		return fmt.Errorf("postgres: credit account %s: %w", accountID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: settle commit: %w", err)
	}
	return nil
}

// UpdateLevels replaces the stop-loss and take-profit of an open position.
func (s *PositionStore) UpdateLevels(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions
		SET stop_loss = $2, take_profit = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, stopLoss, takeProfit,
	)
	if err != nil {
		return fmt.Errorf("postgres: update levels %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM positions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check position %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyClosed
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position, for the book's startup load.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return out, nil
}

// ListOpenByAccount returns the open positions of one account.
func (s *PositionStore) ListOpenByAccount(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE account_id = $1 AND status = 'open'
		ORDER BY opened_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for %s: %w", accountID, err)
	}
	defer rows.Close()

	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", accountID, err)
	}
	return out, nil
}

// ListClosed returns an account's closed positions with pagination and
// optional time filtering.
func (s *PositionStore) ListClosed(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE account_id = $1 AND status = 'closed'`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return out, nil
}

// ListClosedBefore returns all positions closed strictly before the cutoff,
// for ledger archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE status = 'closed' AND closed_at < $1
		ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before: %w", err)
	}
	defer rows.Close()

	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed before: %w", err)
	}
	return out, nil
}

// DeleteClosedBefore purges archived rows from hot storage. Only closed
// positions are ever deleted.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status = 'closed' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
