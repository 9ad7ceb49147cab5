/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Implements every ledger store interface (users, transactions, codes,
  journal, settings) on a single SQLite database. Used for development,
  single-node deployments and the integration tests.

KEY TABLES:
  users:        Identity link, referral relationship and the three balances
  transactions: Transaction records with their status lifecycle
  movements:    Append-only journal of balance changes
  settings:     Keyed system configuration

CONSTRAINTS:
  Uniqueness is enforced by the schema, not only by application checks:
  - users.referral_code UNIQUE
  - transactions.voucher UNIQUE
  - movements.idempotency_key UNIQUE
  Violations come back as *ledger.DuplicateValueError.

CONCURRENCY:
  SQLite has a single writer. The Store holds one connection and a
  sync.RWMutex: plain reads take the read lock, writes and WithTx take the
  write lock for their whole duration. That makes LockUsers and
  LockTransaction exclusive inside WithTx without SELECT ... FOR UPDATE,
  which SQLite doesn't have.

WAL MODE:
  File databases are opened with WAL and a busy timeout so external readers
  (sqlite3 CLI, backups) don't fail the writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation with row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT REFERENCES users(id),
		referral_bonus_paid INTEGER NOT NULL DEFAULT 0,
		spendable_balance TEXT NOT NULL DEFAULT '0.00',
		bonus_balance TEXT NOT NULL DEFAULT '0.00',
		outstanding_debt TEXT NOT NULL DEFAULT '0.00',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (referred_by IS NULL OR referred_by <> id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL REFERENCES users(id),
		seller_id TEXT NOT NULL REFERENCES users(id),
		listing_ref TEXT,
		amount TEXT NOT NULL,
		commission TEXT NOT NULL,
		voucher TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'cancelled')),
		created_at TEXT NOT NULL,
		completed_at TEXT,
		cancelled_at TEXT,
		CHECK (buyer_id <> seller_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_seller ON transactions(seller_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_buyer ON transactions(buyer_id);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		delta TEXT NOT NULL,
		currency TEXT NOT NULL,
		reference TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_user ON movements(user_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (ledger.Store interface)
// =============================================================================

// conn returns a lock-free view over the pool. Callers hold s.mu.
func (s *Store) conn() *conn { return &conn{q: s.db} }

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreateUser(ctx, u)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetUser(ctx, id)
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetUserByReferralCode(ctx, code)
}

func (s *Store) LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().LockUsers(ctx, ids...)
}

func (s *Store) UpdateAccount(ctx context.Context, id uuid.UUID, acc ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateAccount(ctx, id, acc)
}

func (s *Store) MarkReferralBonusPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().MarkReferralBonusPaid(ctx, id)
}

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreateTransaction(ctx, t)
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetTransaction(ctx, id)
}

func (s *Store) LockTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().LockTransaction(ctx, id)
}

func (s *Store) TransitionTransaction(ctx context.Context, id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().TransitionTransaction(ctx, id, from, to, at)
}

func (s *Store) CodeExists(ctx context.Context, scope ledger.Scope, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().CodeExists(ctx, scope, code)
}

// AppendMovements runs in its own transaction so a partial batch is never kept.
func (s *Store) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.AppendMovements(ctx, movements)
	})
}

func (s *Store) Movements(ctx context.Context, userID uuid.UUID) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().Movements(ctx, userID)
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetSetting(ctx, key)
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().PutSetting(ctx, key, value)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The write lock is held for the whole unit.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// CONN - Queries shared by *sql.DB and *sql.Tx. Takes no locks.
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q queryer
}

const userColumns = `id, referral_code, referred_by, referral_bonus_paid,
	spendable_balance, bonus_balance, outstanding_debt, created_at`

func (c *conn) CreateUser(ctx context.Context, u ledger.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.ReferredBy != nil {
		if err := c.userExists(ctx, *u.ReferredBy); err != nil {
			return err
		}
	}

	var referredBy sql.NullString
	if u.ReferredBy != nil {
		referredBy = sql.NullString{String: u.ReferredBy.String(), Valid: true}
	}
	now := formatTime(time.Now())

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(),
		u.ReferralCode,
		referredBy,
		u.ReferralBonusPaid,
		u.Account.Spendable.Fixed(),
		u.Account.Bonus.Fixed(),
		u.Account.Debt.Fixed(),
		formatTime(u.CreatedAt),
		now,
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
	row := c.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String())
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: id.String()}
	}
	return u, err
}

func (c *conn) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: "referral code", ID: code}
	}
	return u, err
}

// LockUsers reads the rows in ascending id order. Exclusivity comes from
// the Store's write lock held by WithTx.
func (c *conn) LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	out := make(map[uuid.UUID]ledger.User, len(ids))
	for _, id := range ledger.SortedIDs(ids...) {
		u, err := c.GetUser(ctx, id)
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
		SET spendable_balance = ?, bonus_balance = ?, outstanding_debt = ?, updated_at = ?
		WHERE id = ?`,
		acc.Spendable.Fixed(), acc.Bonus.Fixed(), acc.Debt.Fixed(), formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return requireRow(res, "user", id)
}

func (c *conn) MarkReferralBonusPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE users SET referral_bonus_paid = 1, updated_at = ?
		WHERE id = ? AND referral_bonus_paid = 0`,
		formatTime(time.Now()), id.String())
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

const transactionColumns = `id, buyer_id, seller_id, listing_ref, amount, commission,
	voucher, status, created_at, completed_at, cancelled_at`

func (c *conn) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, id := range []uuid.UUID{t.BuyerID, t.SellerID} {
		if err := c.userExists(ctx, id); err != nil {
			return err
		}
	}

	var listing sql.NullString
	if t.ListingRef != nil {
		listing = sql.NullString{String: t.ListingRef.String(), Valid: true}
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(),
		t.BuyerID.String(),
		t.SellerID.String(),
		listing,
		t.Amount.Fixed(),
		t.Commission.Fixed(),
		t.Voucher,
		string(t.Status),
		formatTime(t.CreatedAt),
		nullTime(t.CompletedAt),
		nullTime(t.CancelledAt),
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
	row := c.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id.String())
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: id.String()}
	}
	return t, err
}

func (c *conn) LockTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return c.GetTransaction(ctx, id)
}

func (c *conn) TransitionTransaction(ctx context.Context, id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	stamp := formatTime(at)
	res, err := c.q.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?,
			completed_at = CASE WHEN ? = 'completed' THEN ? ELSE completed_at END,
			cancelled_at = CASE WHEN ? = 'cancelled' THEN ? ELSE cancelled_at END
		WHERE id = ? AND status = ?`,
		string(to), string(to), stamp, string(to), stamp, id.String(), string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction: %w", err)
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
		query = `SELECT EXISTS(SELECT 1 FROM users WHERE referral_code = ?)`
	case ledger.ScopeVoucher:
		query = `SELECT EXISTS(SELECT 1 FROM transactions WHERE voucher = ?)`
	default:
		return false, &ledger.ValidationError{Field: "scope", Reason: "not a code scope: " + string(scope)}
	}
	var exists bool
	if err := c.q.QueryRowContext(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", scope, err)
	}
	return exists, nil
}

// =============================================================================
// JOURNAL
// =============================================================================

func (c *conn) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	for _, m := range movements {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO movements (id, user_id, kind, delta, currency, reference, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(),
			m.UserID.String(),
			string(m.Kind),
			m.Delta.Fixed(),
			string(m.Delta.Currency),
			m.Reference,
			m.IdempotencyKey,
			formatTime(m.CreatedAt),
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
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, user_id, kind, delta, currency, reference, idempotency_key, created_at
		FROM movements WHERE user_id = ?
		ORDER BY created_at, rowid`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []ledger.Movement
	for rows.Next() {
		var (
			m                         ledger.Movement
			id, user, delta, currency string
			kind, createdAt           string
		)
		if err := rows.Scan(&id, &user, &kind, &delta, &currency, &m.Reference, &m.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if m.UserID, err = uuid.Parse(user); err != nil {
			return nil, err
		}
		m.Kind = ledger.MovementKind(kind)
		if m.Delta, err = parseAmount(delta, ledger.Currency(currency)); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// SETTINGS
// =============================================================================

func (c *conn) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := c.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ledger.NotFoundError{Entity: "setting", ID: key}
	}
	return value, err
}

func (c *conn) PutSetting(ctx context.Context, key, value string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
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
	err := c.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		return &ledger.NotFoundError{Entity: "user", ID: id.String()}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (ledger.User, error) {
	var (
		u                      ledger.User
		id, createdAt          string
		referredBy             sql.NullString
		spendable, bonus, debt string
	)
	if err := row.Scan(&id, &u.ReferralCode, &referredBy, &u.ReferralBonusPaid,
		&spendable, &bonus, &debt, &createdAt); err != nil {
		return ledger.User{}, err
	}

	var err error
	if u.ID, err = uuid.Parse(id); err != nil {
		return ledger.User{}, err
	}
	if referredBy.Valid {
		ref, err := uuid.Parse(referredBy.String)
		if err != nil {
			return ledger.User{}, err
		}
		u.ReferredBy = &ref
	}
	if u.Account.Spendable, err = parseAmount(spendable, ledger.CurrencyXD); err != nil {
		return ledger.User{}, err
	}
	if u.Account.Bonus, err = parseAmount(bonus, ledger.CurrencyEUR); err != nil {
		return ledger.User{}, err
	}
	if u.Account.Debt, err = parseAmount(debt, ledger.CurrencyXD); err != nil {
		return ledger.User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.User{}, err
	}
	return u, nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t                          ledger.Transaction
		id, buyer, seller          string
		listing                    sql.NullString
		amount, commission, status string
		createdAt                  string
		completedAt, cancelledAt   sql.NullString
	)
	if err := row.Scan(&id, &buyer, &seller, &listing, &amount, &commission,
		&t.Voucher, &status, &createdAt, &completedAt, &cancelledAt); err != nil {
		return ledger.Transaction{}, err
	}

	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return ledger.Transaction{}, err
	}
	if t.BuyerID, err = uuid.Parse(buyer); err != nil {
		return ledger.Transaction{}, err
	}
	if t.SellerID, err = uuid.Parse(seller); err != nil {
		return ledger.Transaction{}, err
	}
	if listing.Valid {
		ref, err := uuid.Parse(listing.String)
		if err != nil {
			return ledger.Transaction{}, err
		}
		t.ListingRef = &ref
	}
	if t.Amount, err = parseAmount(amount, ledger.CurrencyXD); err != nil {
		return ledger.Transaction{}, err
	}
	if t.Commission, err = parseAmount(commission, ledger.CurrencyXD); err != nil {
		return ledger.Transaction{}, err
	}
	t.Status = ledger.Status(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return ledger.Transaction{}, err
	}
	if t.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func parseAmount(value string, c ledger.Currency) (ledger.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("corrupt amount %q: %w", value, err)
	}
	return ledger.Amount{Value: d, Currency: c}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
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

// uniqueColumns maps the column named in "UNIQUE constraint failed: <table>.<column>".
var uniqueColumns = map[string]ledger.Scope{
	"users.id":                  ledger.ScopeUserID,
	"users.referral_code":       ledger.ScopeReferralCode,
	"transactions.id":           ledger.ScopeTransactionID,
	"transactions.voucher":      ledger.ScopeVoucher,
	"movements.idempotency_key": ledger.ScopeIdempotencyKey,
}

// translate turns constraint violations into ledger errors. values carries
// the inserted value per scope for the DuplicateValueError.
func translate(err error, values map[ledger.Scope]string, op string) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		msg := se.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			for _, col := range strings.Split(msg[i+2:], ", ") {
				if scope, ok := uniqueColumns[strings.TrimSpace(col)]; ok {
					return &ledger.DuplicateValueError{Scope: scope, Value: values[scope]}
				}
			}
		}
	case sqlite3.ErrConstraintForeignKey:
		return &ledger.NotFoundError{Entity: "user", ID: "referenced by " + op}
	case sqlite3.ErrConstraintCheck:
		return &ledger.ValidationError{Reason: se.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}
