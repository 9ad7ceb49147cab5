/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore.

PURPOSE:
  The production store. Units of work run in READ COMMITTED transactions;
  LockUsers and LockTransaction take SELECT ... FOR UPDATE row locks, so
  concurrent settlements touching the same seller serialize on the row
  instead of losing updates.

LOCK ORDER:
  LockUsers locks one row at a time in ascending id order. Two units that
  lock the same pair of users always request the locks in the same order.

CONSTRAINTS:
  Unique constraints are named in migrations/000001_init.up.sql and mapped
  back to ledger scopes by constraint name. Foreign key violations become
  NotFoundError and check violations become ValidationError.

MIGRATIONS:
  Schema lives in migrations/ and is embedded into the binary. Apply it
  with Migrate (or `ledger migrate up`) before calling New.

USAGE:
  if err := postgres.Migrate(dsn); err != nil { ... }
  store, err := postgres.New(dsn)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - migrate.go: Embedded golang-migrate source
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// Store implements ledger.TxStore on PostgreSQL.
type Store struct {
	conn
	db *sqlx.DB
}

// New connects to dsn using the pgx driver.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewFromDB(db), nil
}

// NewFromDB wraps an existing connection pool.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{conn: conn{q: db}, db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendMovements runs in its own transaction so a partial batch is never kept.
func (s *Store) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.AppendMovements(ctx, movements)
	})
}

// Reset deletes every row. Tests use it to isolate cases on a shared database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE movements, transactions, users, settings`)
	return err
}

// =============================================================================
// CONN - Queries shared by *sqlx.DB and *sqlx.Tx
// =============================================================================

type conn struct {
	q sqlx.ExtContext
}

type userRow struct {
	ID                uuid.UUID       `db:"id"`
	ReferralCode      string          `db:"referral_code"`
	ReferredBy        uuid.NullUUID   `db:"referred_by"`
	ReferralBonusPaid bool            `db:"referral_bonus_paid"`
	Spendable         decimal.Decimal `db:"spendable_balance"`
	Bonus             decimal.Decimal `db:"bonus_balance"`
	Debt              decimal.Decimal `db:"outstanding_debt"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (r userRow) toUser() ledger.User {
	u := ledger.User{
		ID:                r.ID,
		ReferralCode:      r.ReferralCode,
		ReferralBonusPaid: r.ReferralBonusPaid,
		Account: ledger.Account{
			Spendable: ledger.Amount{Value: r.Spendable, Currency: ledger.CurrencyXD},
			Bonus:     ledger.Amount{Value: r.Bonus, Currency: ledger.CurrencyEUR},
			Debt:      ledger.Amount{Value: r.Debt, Currency: ledger.CurrencyXD},
		},
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ReferredBy.Valid {
		ref := r.ReferredBy.UUID
		u.ReferredBy = &ref
	}
	return u
}

const selectUser = `
	SELECT id, referral_code, referred_by, referral_bonus_paid,
		spendable_balance, bonus_balance, outstanding_debt, created_at
	FROM users`

func (c *conn) CreateUser(ctx context.Context, u ledger.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	var referredBy uuid.NullUUID
	if u.ReferredBy != nil {
		if err := c.userExists(ctx, *u.ReferredBy); err != nil {
			return err
		}
		referredBy = uuid.NullUUID{UUID: *u.ReferredBy, Valid: true}
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO users (id, referral_code, referred_by, referral_bonus_paid,
			spendable_balance, bonus_balance, outstanding_debt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.ReferralCode, referredBy, u.ReferralBonusPaid,
		u.Account.Spendable.Fixed(), u.Account.Bonus.Fixed(), u.Account.Debt.Fixed(),
		u.CreatedAt,
	)
	if err != nil {
		return translate(err, map[ledger.Scope]string{
			ledger.ScopeUserID:       u.ID.String(),
			ledger.ScopeReferralCode: u.ReferralCode,
		}, "failed to create user")
	}
	return nil
}

func (c *conn) GetUser(ctx context.Context, id uuid.UUID) (ledger.User, error) {
	return c.getUser(ctx, selectUser+` WHERE id = $1`, id, "user", id.String())
}

func (c *conn) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	return c.getUser(ctx, selectUser+` WHERE referral_code = $1`, code, "referral code", code)
}

func (c *conn) getUser(ctx context.Context, query string, arg any, entity, key string) (ledger.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, c.q, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: entity, ID: key}
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("failed to get %s: %w", entity, err)
	}
	return row.toUser(), nil
}

func (c *conn) LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	out := make(map[uuid.UUID]ledger.User, len(ids))
	for _, id := range ledger.SortedIDs(ids...) {
		u, err := c.getUser(ctx, selectUser+` WHERE id = $1 FOR UPDATE`, id, "user", id.String())
		if err != nil {
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

func (c *conn) UpdateAccount(ctx context.Context, id uuid.UUID, acc ledger.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE users
		SET spendable_balance = $1, bonus_balance = $2, outstanding_debt = $3, updated_at = NOW()
		WHERE id = $4`,
		acc.Spendable.Fixed(), acc.Bonus.Fixed(), acc.Debt.Fixed(), id)
	if err != nil {
		return translate(err, nil, "failed to update account")
	}
	return requireRow(res, "user", id)
}

func (c *conn) MarkReferralBonusPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE users SET referral_bonus_paid = TRUE, updated_at = NOW()
		WHERE id = $1 AND referral_bonus_paid = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark referral bonus paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, c.userExists(ctx, id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type transactionRow struct {
	ID          uuid.UUID       `db:"id"`
	BuyerID     uuid.UUID       `db:"buyer_id"`
	SellerID    uuid.UUID       `db:"seller_id"`
	ListingRef  uuid.NullUUID   `db:"listing_ref"`
	Amount      decimal.Decimal `db:"amount"`
	Commission  decimal.Decimal `db:"commission"`
	Voucher     string          `db:"voucher"`
	Status      string          `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	CompletedAt sql.NullTime    `db:"completed_at"`
	CancelledAt sql.NullTime    `db:"cancelled_at"`
}

func (r transactionRow) toTransaction() ledger.Transaction {
	t := ledger.Transaction{
		ID:         r.ID,
		BuyerID:    r.BuyerID,
		SellerID:   r.SellerID,
		Amount:     ledger.Amount{Value: r.Amount, Currency: ledger.CurrencyXD},
		Commission: ledger.Amount{Value: r.Commission, Currency: ledger.CurrencyXD},
		Voucher:    r.Voucher,
		Status:     ledger.Status(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.ListingRef.Valid {
		ref := r.ListingRef.UUID
		t.ListingRef = &ref
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time.UTC()
		t.CompletedAt = &at
	}
	if r.CancelledAt.Valid {
		at := r.CancelledAt.Time.UTC()
		t.CancelledAt = &at
	}
	return t
}

const selectTransaction = `
	SELECT id, buyer_id, seller_id, listing_ref, amount, commission,
		voucher, status, created_at, completed_at, cancelled_at
	FROM transactions`

func (c *conn) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, id := range []uuid.UUID{t.BuyerID, t.SellerID} {
		if err := c.userExists(ctx, id); err != nil {
			return err
		}
	}

	var listing uuid.NullUUID
	if t.ListingRef != nil {
		listing = uuid.NullUUID{UUID: *t.ListingRef, Valid: true}
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO transactions (id, buyer_id, seller_id, listing_ref, amount, commission,
			voucher, status, created_at, completed_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.BuyerID, t.SellerID, listing,
		t.Amount.Fixed(), t.Commission.Fixed(),
		t.Voucher, string(t.Status), t.CreatedAt,
		nullTime(t.CompletedAt), nullTime(t.CancelledAt),
	)
	if err != nil {
		return translate(err, map[ledger.Scope]string{
			ledger.ScopeTransactionID: t.ID.String(),
			ledger.ScopeVoucher:       t.Voucher,
		}, "failed to create transaction")
	}
	return nil
}

func (c *conn) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return c.getTransaction(ctx, selectTransaction+` WHERE id = $1`, id)
}

func (c *conn) LockTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return c.getTransaction(ctx, selectTransaction+` WHERE id = $1 FOR UPDATE`, id)
}

func (c *conn) getTransaction(ctx context.Context, query string, id uuid.UUID) (ledger.Transaction, error) {
	var row transactionRow
	err := sqlx.GetContext(ctx, c.q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: id.String()}
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	return row.toTransaction(), nil
}

func (c *conn) TransitionTransaction(ctx context.Context, id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1::text,
			completed_at = CASE WHEN $1::text = 'completed' THEN $2::timestamptz ELSE completed_at END,
			cancelled_at = CASE WHEN $1::text = 'cancelled' THEN $2::timestamptz ELSE cancelled_at END
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from))
	if err != nil {
		return false, translate(err, nil, "failed to transition transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := c.GetTransaction(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// =============================================================================
// CODES
// =============================================================================

func (c *conn) CodeExists(ctx context.Context, scope ledger.Scope, code string) (bool, error) {
	var query string
	switch scope {
	case ledger.ScopeReferralCode:
		query = `SELECT EXISTS(SELECT 1 FROM users WHERE referral_code = $1)`
	case ledger.ScopeVoucher:
		query = `SELECT EXISTS(SELECT 1 FROM transactions WHERE voucher = $1)`
	default:
		return false, &ledger.ValidationError{Field: "scope", Reason: "not a code scope: " + string(scope)}
	}
	var exists bool
	if err := sqlx.GetContext(ctx, c.q, &exists, query, code); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", scope, err)
	}
	return exists, nil
}

// =============================================================================
// JOURNAL
// =============================================================================

type movementRow struct {
	ID             uuid.UUID       `db:"id"`
	UserID         uuid.UUID       `db:"user_id"`
	Kind           string          `db:"kind"`
	Delta          decimal.Decimal `db:"delta"`
	Currency       string          `db:"currency"`
	Reference      string          `db:"reference"`
	IdempotencyKey string          `db:"idempotency_key"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (c *conn) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	for _, m := range movements {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO movements (id, user_id, kind, delta, currency, reference, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.UserID, string(m.Kind), m.Delta.Fixed(), string(m.Delta.Currency),
			m.Reference, m.IdempotencyKey, m.CreatedAt,
		)
		if err != nil {
			return translate(err, map[ledger.Scope]string{
				ledger.ScopeIdempotencyKey: m.IdempotencyKey,
			}, "failed to append movement")
		}
	}
	return nil
}

func (c *conn) Movements(ctx context.Context, userID uuid.UUID) ([]ledger.Movement, error) {
	var rows []movementRow
	err := sqlx.SelectContext(ctx, c.q, &rows, `
		SELECT id, user_id, kind, delta, currency, reference, idempotency_key, created_at
		FROM movements WHERE user_id = $1
		ORDER BY created_at, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}

	out := make([]ledger.Movement, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.Movement{
			ID:             r.ID,
			UserID:         r.UserID,
			Kind:           ledger.MovementKind(r.Kind),
			Delta:          ledger.Amount{Value: r.Delta, Currency: ledger.Currency(r.Currency)},
			Reference:      r.Reference,
			IdempotencyKey: r.IdempotencyKey,
			CreatedAt:      r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (c *conn) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := sqlx.GetContext(ctx, c.q, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ledger.NotFoundError{Entity: "setting", ID: key}
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (c *conn) PutSetting(ctx context.Context, key, value string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to put setting: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *conn) userExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := sqlx.GetContext(ctx, c.q, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		return &ledger.NotFoundError{Entity: "user", ID: id.String()}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRow(res sql.Result, entity string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id.String()}
	}
	return nil
}

// uniqueConstraints maps constraint names from the migrations to scopes.
var uniqueConstraints = map[string]ledger.Scope{
	"users_pkey":                    ledger.ScopeUserID,
	"users_referral_code_key":       ledger.ScopeReferralCode,
	"transactions_pkey":             ledger.ScopeTransactionID,
	"transactions_voucher_key":      ledger.ScopeVoucher,
	"movements_idempotency_key_key": ledger.ScopeIdempotencyKey,
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNumericOutOfRange   = "22003"
)

func translate(err error, values map[ledger.Scope]string, op string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if scope, ok := uniqueConstraints[pgErr.ConstraintName]; ok {
			return &ledger.DuplicateValueError{Scope: scope, Value: values[scope]}
		}
	case pgForeignKeyViolation:
		return &ledger.NotFoundError{Entity: "user", ID: pgErr.Detail}
	case pgCheckViolation:
		return &ledger.ValidationError{Field: pgErr.ConstraintName, Reason: pgErr.Message}
	case pgNumericOutOfRange:
		return &ledger.ValidationError{Field: "amount", Reason: pgErr.Message}
	}
	return fmt.Errorf("%s: %w", op, err)
}
