/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements entitlement.SnapshotStore and entitlement.IntentQueue over
  one SQLite database. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  entitlements: Current snapshot per user (replace-or-insert)
  intents:      Durable FIFO queue of purchase/restore intents

INDEXES:
  idx_intents_user_status_created: FIFO dequeue of pending intents per
  user (hot path, matching the (userID, status, createdAt) access).

CRASH RECOVERY:
  Any intent still in_flight when the process died is reset to pending
  when the store opens. Delivery is at-least-once; the billing provider
  deduplicates via the intent ID.

ATOMIC SNAPSHOTS:
  PutSnapshot is a single upsert statement, so readers observe either
  the previous row or the new one, never a partial write.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better
  concurrency: multiple readers don't block, single writer at a time,
  better crash recovery.

USAGE:
  store, err := sqlite.New("./data/entitlements.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - entitlement/store.go: Interface definitions
  - entitlement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/entitlement-engine/entitlement"
)

// Store implements entitlement.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := store.recoverInFlight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight intents: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Current entitlement snapshot per user (at most one row per user)
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		expires_at TEXT,
		last_verified_at TEXT NOT NULL,
		source TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Durable purchase/restore intents. intent_id doubles as the
	-- idempotency key sent to the billing provider.
	CREATE TABLE IF NOT EXISTS intents (
		intent_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		product_id TEXT,
		created_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT,
		amount_value TEXT,
		amount_currency TEXT,
		updated_at TEXT NOT NULL
	);

	-- FIFO dequeue of pending intents per user (hot path)
	CREATE INDEX IF NOT EXISTS idx_intents_user_status_created
		ON intents(user_id, status, created_at);

	-- Terminal sweep
	CREATE INDEX IF NOT EXISTS idx_intents_status_created
		ON intents(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// recoverInFlight resets intents abandoned mid-submission by a crash.
func (s *Store) recoverInFlight() error {
	_, err := s.db.Exec(
		`UPDATE intents SET status = ?, updated_at = ? WHERE status = ?`,
		entitlement.StatusPending, timeNow(), entitlement.StatusInFlight,
	)
	return err
}

// =============================================================================
// SNAPSHOT STORE (entitlement.SnapshotStore interface)
// =============================================================================

// GetSnapshot returns the current snapshot for a user.
func (s *Store) GetSnapshot(ctx context.Context, userID entitlement.UserID) (entitlement.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap     entitlement.Snapshot
		tier     string
		expires  sql.NullString
		verified string
		source   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tier, expires_at, last_verified_at, source FROM entitlements WHERE user_id = ?`,
		userID,
	).Scan(&tier, &expires, &verified, &source)
	if err == sql.ErrNoRows {
		return entitlement.Snapshot{}, entitlement.ErrSnapshotNotFound
	}
	if err != nil {
		return entitlement.Snapshot{}, &entitlement.CorruptionError{Op: "get snapshot", Err: err}
	}

	snap.UserID = userID
	snap.Tier = entitlement.Tier(tier)
	snap.Source = entitlement.Source(source)
	snap.LastVerifiedAt, err = parseTime(verified)
	if err != nil {
		return entitlement.Snapshot{}, &entitlement.CorruptionError{Op: "get snapshot", Err: err}
	}
	if expires.Valid {
		t, perr := parseTime(expires.String)
		if perr != nil {
			return entitlement.Snapshot{}, &entitlement.CorruptionError{Op: "get snapshot", Err: perr}
		}
		snap.ExpiresAt = &t
	}
	return snap, nil
}

// PutSnapshot atomically replaces-or-inserts the user's snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap entitlement.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, tier, expires_at, last_verified_at, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			expires_at = excluded.expires_at,
			last_verified_at = excluded.last_verified_at,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		snap.UserID,
		string(snap.Tier),
		nullTime(snap.ExpiresAt),
		formatTime(snap.LastVerifiedAt),
		string(snap.Source),
		timeNow(),
	)
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// InvalidateSnapshot removes the user's snapshot. Missing rows are fine.
func (s *Store) InvalidateSnapshot(ctx context.Context, userID entitlement.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM entitlements WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}
	return nil
}

// ListSnapshotUsers returns every user with a cached snapshot.
func (s *Store) ListSnapshotUsers(ctx context.Context) ([]entitlement.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM entitlements ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []entitlement.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, entitlement.UserID(id))
	}
	return users, rows.Err()
}

// =============================================================================
// INTENT QUEUE (entitlement.IntentQueue interface)
// =============================================================================

// Enqueue persists an intent. A duplicate intent ID returns the stored
// intent unchanged.
func (s *Store) Enqueue(ctx context.Context, intent entitlement.Intent) (entitlement.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents
		(intent_id, user_id, kind, product_id, created_at, attempt_count,
		 next_attempt_at, status, failure_reason, amount_value, amount_currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		intent.UserID,
		string(intent.Kind),
		nullString(string(intent.ProductID)),
		formatTime(intent.CreatedAt),
		intent.AttemptCount,
		nullTimeValue(intent.NextAttemptAt),
		string(intent.Status),
		nullString(intent.FailureReason),
		nullString(amountString(intent.Amount)),
		nullString(intent.Currency),
		timeNow(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.getIntentLocked(ctx, intent.ID)
		}
		return entitlement.Intent{}, fmt.Errorf("failed to enqueue intent: %w", err)
	}
	return intent, nil
}

// NextPending returns the oldest pending intent for a user.
func (s *Store) NextPending(ctx context.Context, userID entitlement.UserID) (entitlement.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM intents
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC, intent_id ASC
		LIMIT 1`,
		userID, entitlement.StatusPending,
	)
	return scanIntent(row)
}

// MarkInFlight transitions pending -> in_flight.
func (s *Store) MarkInFlight(ctx context.Context, intentID entitlement.IntentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET status = ?, updated_at = ? WHERE intent_id = ? AND status = ?`,
		entitlement.StatusInFlight, timeNow(), intentID, entitlement.StatusPending,
	)
	return checkUpdated(res, err)
}

// MarkSucceeded records the terminal success and the charged amount.
func (s *Store) MarkSucceeded(ctx context.Context, intentID entitlement.IntentID, receipt entitlement.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, amount_value = ?, amount_currency = ?, updated_at = ?
		WHERE intent_id = ?`,
		entitlement.StatusSucceeded,
		nullString(amountString(receipt.Amount)),
		nullString(receipt.Currency),
		timeNow(),
		intentID,
	)
	return checkUpdated(res, err)
}

// MarkFailed records a terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, intentID entitlement.IntentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE intent_id = ?`,
		entitlement.StatusFailed, reason, timeNow(), intentID,
	)
	return checkUpdated(res, err)
}

// MarkRetry returns the intent to pending with the next eligible time.
func (s *Store) MarkRetry(ctx context.Context, intentID entitlement.IntentID, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = ?, updated_at = ?
		WHERE intent_id = ?`,
		entitlement.StatusPending, formatTime(nextAttemptAt), timeNow(), intentID,
	)
	return checkUpdated(res, err)
}

// GetIntent returns an intent by ID.
func (s *Store) GetIntent(ctx context.Context, intentID entitlement.IntentID) (entitlement.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIntentLocked(ctx, intentID)
}

// ListIntents returns all intents for a user, oldest first.
func (s *Store) ListIntents(ctx context.Context, userID entitlement.UserID) ([]entitlement.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM intents
		WHERE user_id = ?
		ORDER BY created_at ASC, intent_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var intents []entitlement.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// UsersWithPending returns users with pending intents.
func (s *Store) UsersWithPending(ctx context.Context) ([]entitlement.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM intents WHERE status = ? ORDER BY user_id`,
		entitlement.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	defer rows.Close()

	var users []entitlement.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, entitlement.UserID(id))
	}
	return users, rows.Err()
}

// Prune removes a terminal intent.
func (s *Store) Prune(ctx context.Context, intentID entitlement.IntentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.getIntentLocked(ctx, intentID)
	if err != nil {
		return err
	}
	if !in.Status.Terminal() {
		return entitlement.ErrIntentNotTerminal
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM intents WHERE intent_id = ?`, intentID)
	if err != nil {
		return fmt.Errorf("failed to prune intent: %w", err)
	}
	return nil
}

// PruneTerminal removes terminal intents older than the cutoff.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM intents WHERE status IN (?, ?) AND created_at < ?`,
		entitlement.StatusSucceeded, entitlement.StatusFailed, formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal intents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// HELPERS
// =============================================================================

const intentColumns = `intent_id, user_id, kind, product_id, created_at, attempt_count,
	next_attempt_at, status, failure_reason, amount_value, amount_currency`

func (s *Store) getIntentLocked(ctx context.Context, intentID entitlement.IntentID) (entitlement.Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM intents WHERE intent_id = ?`,
		intentID,
	)
	return scanIntent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (entitlement.Intent, error) {
	var (
		in          entitlement.Intent
		id, user    string
		kind        string
		product     sql.NullString
		created     string
		nextAttempt sql.NullString
		status      string
		reason      sql.NullString
		amount      sql.NullString
		currency    sql.NullString
	)
	err := row.Scan(&id, &user, &kind, &product, &created, &in.AttemptCount,
		&nextAttempt, &status, &reason, &amount, &currency)
	if err == sql.ErrNoRows {
		return entitlement.Intent{}, entitlement.ErrIntentNotFound
	}
	if err != nil {
		return entitlement.Intent{}, fmt.Errorf("failed to scan intent: %w", err)
	}

	in.ID = entitlement.IntentID(id)
	in.UserID = entitlement.UserID(user)
	in.Kind = entitlement.IntentKind(kind)
	in.ProductID = entitlement.ProductID(product.String)
	in.Status = entitlement.IntentStatus(status)
	in.FailureReason = reason.String
	in.Currency = currency.String
	if in.CreatedAt, err = parseTime(created); err != nil {
		return entitlement.Intent{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if nextAttempt.Valid {
		if in.NextAttemptAt, err = parseTime(nextAttempt.String); err != nil {
			return entitlement.Intent{}, fmt.Errorf("failed to parse next_attempt_at: %w", err)
		}
	}
	if amount.Valid {
		d, derr := decimal.NewFromString(amount.String)
		if derr != nil {
			return entitlement.Intent{}, fmt.Errorf("failed to parse amount: %w", derr)
		}
		in.Amount = d
	}
	return in, nil
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entitlement.ErrIntentNotFound
	}
	return nil
}

// timeLayout is fixed-width (nanoseconds are never trimmed) so that the
// lexicographic ORDER BY / comparison on TEXT timestamp columns matches
// chronological order. RFC3339Nano would drop trailing zeros, making
// "10:00:00Z" sort after "10:00:00.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func timeNow() string {
	return formatTime(time.Now())
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullTimeValue(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func amountString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (contains(err.Error(), "UNIQUE constraint failed") ||
		contains(err.Error(), "duplicate key"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
