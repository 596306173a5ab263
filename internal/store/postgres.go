package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Amounts are stored as
// NUMERIC(20,0) so the full uint64 range round-trips exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
	// db is the pool, or the open transaction inside WithTx.
	db querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithTx executes fn within a database transaction. If fn returns an error
// the transaction is rolled back, otherwise it is committed. Inside a
// transaction fn runs in the existing one.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if _, ok := s.db.(pgx.Tx); ok {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, user string) (model.Amount, error) {
	var bal string
	err := s.db.QueryRow(ctx,
		`SELECT balance::TEXT FROM user_balances WHERE user_id = $1`, user).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", user, err)
	}
	return parseAmount(bal)
}

func (s *PostgresStore) SetBalance(ctx context.Context, user string, balance model.Amount) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_balances (user_id, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`,
		user, amountText(balance),
	)
	if err != nil {
		return fmt.Errorf("set balance %s: %w", user, err)
	}
	return nil
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.UserAccount, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, balance::TEXT FROM user_balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.UserAccount
	for rows.Next() {
		var a model.UserAccount
		var bal string
		if err := rows.Scan(&a.User, &bal); err != nil {
			return nil, err
		}
		if a.Balance, err = parseAmount(bal); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetShares(ctx context.Context, owner string) (model.Amount, error) {
	var shares string
	err := s.db.QueryRow(ctx,
		`SELECT shares::TEXT FROM lp_shares WHERE owner = $1`, owner).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get shares %s: %w", owner, err)
	}
	return parseAmount(shares)
}

func (s *PostgresStore) SetShares(ctx context.Context, owner string, shares model.Amount) error {
	var err error
	if shares == 0 {
		_, err = s.db.Exec(ctx, `DELETE FROM lp_shares WHERE owner = $1`, owner)
	} else {
		_, err = s.db.Exec(ctx,
			`INSERT INTO lp_shares (owner, shares, updated_at)
			 VALUES ($1, $2::NUMERIC, now())
			 ON CONFLICT (owner) DO UPDATE SET shares = EXCLUDED.shares, updated_at = now()`,
			owner, amountText(shares),
		)
	}
	if err != nil {
		return fmt.Errorf("set shares %s: %w", owner, err)
	}
	return nil
}

func (s *PostgresStore) ListShares(ctx context.Context) ([]model.LPPosition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT owner, shares::TEXT FROM lp_shares ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.LPPosition
	for rows.Next() {
		var p model.LPPosition
		var shares string
		if err := rows.Scan(&p.Owner, &shares); err != nil {
			return nil, err
		}
		if p.Shares, err = parseAmount(shares); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPoolState(ctx context.Context) (model.PoolState, error) {
	var st model.PoolState
	var reserve, totalShares, ledgerBal string
	var ledgerAt *time.Time

	err := s.db.QueryRow(ctx,
		`SELECT reserve::TEXT, total_shares::TEXT, initialized,
		        ledger_balance::TEXT, ledger_balance_at
		 FROM pool_state WHERE id = 1`).
		Scan(&reserve, &totalShares, &st.Initialized, &ledgerBal, &ledgerAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PoolState{}, nil
	}
	if err != nil {
		return model.PoolState{}, fmt.Errorf("get pool state: %w", err)
	}

	if st.Reserve, err = parseAmount(reserve); err != nil {
		return model.PoolState{}, err
	}
	if st.TotalShares, err = parseAmount(totalShares); err != nil {
		return model.PoolState{}, err
	}
	if st.LedgerBalance, err = parseAmount(ledgerBal); err != nil {
		return model.PoolState{}, err
	}
	if ledgerAt != nil {
		st.LedgerBalanceAt = ledgerAt.UTC()
	}
	return st, nil
}

func (s *PostgresStore) SavePoolState(ctx context.Context, st model.PoolState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pool_state (id, reserve, total_shares, initialized, ledger_balance, ledger_balance_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     reserve = EXCLUDED.reserve,
		     total_shares = EXCLUDED.total_shares,
		     initialized = EXCLUDED.initialized,
		     ledger_balance = EXCLUDED.ledger_balance,
		     ledger_balance_at = EXCLUDED.ledger_balance_at`,
		amountText(st.Reserve), amountText(st.TotalShares), st.Initialized,
		amountText(st.LedgerBalance), nullTime(st.LedgerBalanceAt),
	)
	if err != nil {
		return fmt.Errorf("save pool state: %w", err)
	}
	return nil
}

const pendingColumns = `user_id, id::TEXT, kind, amount::TEXT, fee::TEXT, shares::TEXT, reserve::TEXT,
	created_at, idempotency_key, retries, last_error, stuck_at`

func (s *PostgresStore) GetPending(ctx context.Context, user string) (*model.PendingWithdrawal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_withdrawals WHERE user_id = $1`, user)
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", user, err)
	}
	defer rows.Close()

	list, err := scanPending(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, p *model.PendingWithdrawal) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pending_withdrawals
		     (user_id, id, kind, amount, fee, shares, reserve, created_at, idempotency_key, retries, last_error, stuck_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		p.User, p.ID, string(p.Kind),
		amountText(p.Amount), amountText(p.Fee), amountText(p.Shares), amountText(p.Reserve),
		p.CreatedAt, p.IdempotencyKey, p.Retries, p.LastError, nullTime(p.StuckAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPendingExists
		}
		return fmt.Errorf("create pending %s: %w", p.User, err)
	}
	return nil
}

func (s *PostgresStore) UpdatePending(ctx context.Context, p *model.PendingWithdrawal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_withdrawals
		 SET retries = $3, last_error = $4, stuck_at = $5
		 WHERE user_id = $1 AND id = $2`,
		p.User, p.ID, p.Retries, p.LastError, nullTime(p.StuckAt),
	)
	if err != nil {
		return fmt.Errorf("update pending %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending withdrawal %s for %s: %w", p.ID, p.User, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeletePending(ctx context.Context, user, id string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM pending_withdrawals WHERE user_id = $1 AND id = $2`, user, id)
	if err != nil {
		return fmt.Errorf("delete pending %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending withdrawal %s for %s: %w", id, user, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]model.PendingWithdrawal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_withdrawals ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPending(rows)
}

func (s *PostgresStore) CreateUncertainDeposit(ctx context.Context, d *model.UncertainDeposit) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO uncertain_deposits (id, user_id, kind, amount, memo, created_at, reason)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		d.ID, d.User, string(d.Kind), amountText(d.Amount), d.Memo, d.CreatedAt, d.Reason,
	)
	if err != nil {
		return fmt.Errorf("create uncertain deposit %s: %w", d.ID, err)
	}
	return nil
}

const depositColumns = `id::TEXT, user_id, kind, amount::TEXT, memo, created_at, reason`

func (s *PostgresStore) GetUncertainDeposit(ctx context.Context, id string) (*model.UncertainDeposit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+depositColumns+` FROM uncertain_deposits WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get uncertain deposit %s: %w", id, err)
	}
	defer rows.Close()

	list, err := scanDeposits(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (s *PostgresStore) DeleteUncertainDeposit(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM uncertain_deposits WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete uncertain deposit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("uncertain deposit %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListUncertainDeposits(ctx context.Context) ([]model.UncertainDeposit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+depositColumns+` FROM uncertain_deposits ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_log (id, event, user_id, kind, amount, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, string(e.Event), e.User, string(e.Kind), amountText(e.Amount), e.Detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Event, err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, user string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx,
		`SELECT id::TEXT, event, user_id, kind, amount::TEXT, detail, timestamp
		 FROM audit_log
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY seq DESC
		 LIMIT $2`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var event, kind, amount string
		if err := rows.Scan(&e.ID, &event, &e.User, &kind, &amount, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Event = model.AuditEvent(event)
		e.Kind = model.WithdrawalKind(kind)
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPending(rows pgxRows) ([]model.PendingWithdrawal, error) {
	var list []model.PendingWithdrawal
	for rows.Next() {
		var p model.PendingWithdrawal
		var kind, amount, fee, shares, reserve string
		var stuckAt *time.Time

		if err := rows.Scan(&p.User, &p.ID, &kind, &amount, &fee, &shares, &reserve,
			&p.CreatedAt, &p.IdempotencyKey, &p.Retries, &p.LastError, &stuckAt); err != nil {
			return nil, err
		}

		p.Kind = model.WithdrawalKind(kind)
		var err error
		for _, f := range []struct {
			dst *model.Amount
			src string
		}{{&p.Amount, amount}, {&p.Fee, fee}, {&p.Shares, shares}, {&p.Reserve, reserve}} {
			if *f.dst, err = parseAmount(f.src); err != nil {
				return nil, err
			}
		}
		if stuckAt != nil {
			p.StuckAt = stuckAt.UTC()
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanDeposits(rows pgxRows) ([]model.UncertainDeposit, error) {
	var list []model.UncertainDeposit
	for rows.Next() {
		var d model.UncertainDeposit
		var kind, amount string
		if err := rows.Scan(&d.ID, &d.User, &kind, &amount, &d.Memo, &d.CreatedAt, &d.Reason); err != nil {
			return nil, err
		}
		d.Kind = model.WithdrawalKind(kind)
		var err error
		if d.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		list = append(list, d)
	}
	return list, rows.Err()
}

func amountText(a model.Amount) string {
	return a.Decimal().String()
}

func parseAmount(s string) (model.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	bi := d.BigInt()
	if d.IsNegative() || !bi.IsUint64() {
		return 0, fmt.Errorf("parse amount %q: %w", s, model.ErrOverflow)
	}
	return model.Amount(bi.Uint64()), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
