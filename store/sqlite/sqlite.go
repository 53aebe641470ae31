/*
Package sqlite provides the SQL-backed implementation of the settlement storage interfaces.

PURPOSE:
  Implements settlement.Store, settlement.EventLog, settlement.ContractSource
  and settlement.AccountDirectory on database/sql. SQLite is the default;
  PostgreSQL (via pgx) uses the same schema and queries with rebound
  placeholders.

INTERFACES IMPLEMENTED:
  settlement.Store:            Timecard persistence with compare-and-set
  settlement.EventLog:         Append-only lifecycle events
  settlement.ContractSource:   Contract lookup
  settlement.AccountDirectory: Payment methods and payout accounts

APPEND-MOSTLY ENFORCEMENT:
  - No DELETE statements on timecards or timecard_events
  - timecard_events is INSERT-only
  - timecards change only through UpdateTimecard, a compare-and-set on
    (status, version) that also refuses to alter settled money fields

KEY TABLES:
  timecards:        One row per submitted shift, money columns NULL until decided
  timecard_events:  Lifecycle history
  contracts:        Rate and parties per engagement
  payment_methods:  Payer instrument at the gateway
  payout_accounts:  Worker connected account at the gateway

INDEXES:
  - idx_timecards_due: deadline sweep (status, approval_deadline)
  - idx_timecards_unpaid: recovery pass (status, decided_at)
  - idx_timecards_payer / idx_timecards_worker: listing

CONCURRENCY:
  Uses sync.RWMutex for in-process thread-safety. The compare-and-set in
  UpdateTimecard is what protects against other processes sharing the
  database.

TIME FORMAT:
  Instants are stored as fixed-width UTC text so that lexical order equals
  chronological order in both dialects.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := settlement.NewService(store, store, store, store, executor)

SEE ALSO:
  - settlement/store.go: Interface definitions
  - settlement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/shift-settlement/settlement"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so stored instants sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// dateLayout stores shift dates.
const dateLayout = "2006-01-02"

// Store implements all storage interfaces on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// SQLite writers.
	db.SetMaxOpenConns(1)
	return open(db, DialectSQLite)
}

// NewPostgres creates a store on PostgreSQL using the pgx driver.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db, DialectPostgres)
}

// Open creates a store for the named dialect.
func Open(dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case DialectSQLite, "":
		return New(dsn)
	case DialectPostgres:
		return NewPostgres(dsn)
	}
	return nil, fmt.Errorf("unknown database dialect %q", dialect)
}

func open(db *sql.DB, dialect Dialect) (*Store, error) {
	store := &Store{db: db, dialect: dialect}
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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// migrate creates the database schema. The DDL is valid in both dialects.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contracts (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			hourly_rate TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS payment_methods (
			payer_id TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			active INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS payout_accounts (
			worker_id TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			charges_enabled INTEGER NOT NULL,
			payouts_enabled INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// Timecards (append-mostly: never deleted)
		`CREATE TABLE IF NOT EXISTS timecards (
			id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			hourly_rate TEXT NOT NULL,
			shift_date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			is_overnight INTEGER NOT NULL,
			break_minutes INTEGER NOT NULL,
			rounded_start TEXT NOT NULL,
			rounded_end TEXT NOT NULL,
			total_hours TEXT NOT NULL,
			gross_amount TEXT,
			worker_fee TEXT,
			worker_net_amount TEXT,
			payer_total_amount TEXT,
			platform_fee_amount TEXT,
			payment_reference TEXT,
			payout_reference TEXT,
			status TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			approval_deadline TEXT NOT NULL,
			decided_at TEXT,
			decided_by TEXT,
			paid_at TEXT,
			rejection_reason TEXT,
			notes TEXT,
			payment_attempts INTEGER NOT NULL DEFAULT 0,
			last_payment_error TEXT,
			last_payment_retryable INTEGER NOT NULL DEFAULT 0,
			flagged_at TEXT,
			flag_reason TEXT,
			guard_failures INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_timecards_due
			ON timecards(status, approval_deadline)`,
		`CREATE INDEX IF NOT EXISTS idx_timecards_unpaid
			ON timecards(status, decided_at)`,
		`CREATE INDEX IF NOT EXISTS idx_timecards_payer
			ON timecards(payer_id, submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_timecards_worker
			ON timecards(worker_id, submitted_at)`,

		// Events (append-only)
		`CREATE TABLE IF NOT EXISTS timecard_events (
			id TEXT PRIMARY KEY,
			timecard_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			reason TEXT,
			actor TEXT,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_timecard_events_seq
			ON timecard_events(timecard_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// TIMECARDS
// =============================================================================

const timecardColumns = `id, contract_id, worker_id, payer_id, hourly_rate,
	shift_date, start_time, end_time, is_overnight, break_minutes,
	rounded_start, rounded_end, total_hours,
	gross_amount, worker_fee, worker_net_amount, payer_total_amount, platform_fee_amount,
	payment_reference, payout_reference,
	status, submitted_at, approval_deadline, decided_at, decided_by, paid_at,
	rejection_reason, notes,
	payment_attempts, last_payment_error, last_payment_retryable,
	flagged_at, flag_reason, guard_failures, version`

// CreateTimecard inserts a new submitted timecard.
func (s *Store) CreateTimecard(ctx context.Context, tc *settlement.Timecard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO timecards (` + timecardColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query), timecardArgs(tc)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return settlement.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert timecard: %w", err)
	}
	return nil
}

// GetTimecard retrieves a timecard by ID.
func (s *Store) GetTimecard(ctx context.Context, id settlement.TimecardID) (*settlement.Timecard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTimecard(ctx, s.db, id)
}

func (s *Store) getTimecard(ctx context.Context, q queryer, id settlement.TimecardID) (*settlement.Timecard, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+timecardColumns+` FROM timecards WHERE id = ?`), id)
	tc, err := scanTimecard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrTimecardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load timecard: %w", err)
	}
	return tc, nil
}

// UpdateTimecard writes tc if the stored row still has expectedStatus and
// expectedVersion. Settled money fields cannot be changed.
func (s *Store) UpdateTimecard(ctx context.Context, tc *settlement.Timecard, expectedStatus settlement.Status, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getTimecard(ctx, tx, tc.ID)
	if err != nil {
		return err
	}
	if current.Status != expectedStatus || current.Version != expectedVersion {
		return settlement.ErrConcurrentModification
	}
	if err := settlement.CheckImmutable(current, tc); err != nil {
		return err
	}

	query := `
		UPDATE timecards SET
			gross_amount = ?, worker_fee = ?, worker_net_amount = ?,
			payer_total_amount = ?, platform_fee_amount = ?,
			payment_reference = ?, payout_reference = ?,
			status = ?, decided_at = ?, decided_by = ?, paid_at = ?,
			rejection_reason = ?, notes = ?,
			payment_attempts = ?, last_payment_error = ?, last_payment_retryable = ?,
			flagged_at = ?, flag_reason = ?, guard_failures = ?,
			version = version + 1
		WHERE id = ? AND status = ? AND version = ?
	`
	fees := feeArgs(tc.Fees)
	args := append(fees,
		nullString(tc.PaymentReference), nullString(tc.PayoutReference),
		string(tc.Status), nullTime(tc.DecidedAt), nullString(tc.DecidedBy), nullTime(tc.PaidAt),
		nullString(tc.RejectionReason), nullString(tc.Notes),
		tc.PaymentAttempts, nullString(tc.LastPaymentError), boolInt(tc.LastPaymentRetryable),
		nullTime(tc.FlaggedAt), nullString(tc.FlagReason), tc.GuardFailures,
		string(tc.ID), string(expectedStatus), expectedVersion,
	)

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update timecard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update timecard: %w", err)
	}
	if n != 1 {
		return settlement.ErrConcurrentModification
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit timecard update: %w", err)
	}

	tc.Version = expectedVersion + 1
	return nil
}

// ListTimecards returns timecards matching the filter, oldest first.
func (s *Store) ListTimecards(ctx context.Context, filter settlement.TimecardFilter) ([]*settlement.Timecard, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PayerID != "" {
		where = append(where, "payer_id = ?")
		args = append(args, string(filter.PayerID))
	}
	if filter.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, string(filter.WorkerID))
	}

	query := `SELECT ` + timecardColumns + ` FROM timecards`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY submitted_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryTimecards(ctx, query, args...)
}

// ListDue returns submitted timecards whose deadline is before now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*settlement.Timecard, error) {
	query := `SELECT ` + timecardColumns + ` FROM timecards
		WHERE status = ? AND approval_deadline < ?
		ORDER BY approval_deadline, id`
	args := []any{string(settlement.StatusSubmitted), formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTimecards(ctx, query, args...)
}

// ListUnpaid returns approved timecards decided before the cutoff whose last
// payment attempt, if any, failed transiently.
func (s *Store) ListUnpaid(ctx context.Context, decidedBefore time.Time, limit int) ([]*settlement.Timecard, error) {
	query := `SELECT ` + timecardColumns + ` FROM timecards
		WHERE status IN (?, ?) AND decided_at < ?
		  AND (last_payment_error IS NULL OR last_payment_retryable = 1)
		ORDER BY decided_at, id`
	args := []any{
		string(settlement.StatusApproved), string(settlement.StatusAutoApproved),
		formatTime(decidedBefore),
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTimecards(ctx, query, args...)
}

// ListNeedingAttention returns flagged and payment-failed timecards.
func (s *Store) ListNeedingAttention(ctx context.Context) ([]*settlement.Timecard, error) {
	query := `SELECT ` + timecardColumns + ` FROM timecards
		WHERE (status = ? AND flagged_at IS NOT NULL)
		   OR (status IN (?, ?) AND last_payment_error IS NOT NULL)
		ORDER BY submitted_at, id`
	return s.queryTimecards(ctx, query,
		string(settlement.StatusSubmitted),
		string(settlement.StatusApproved), string(settlement.StatusAutoApproved),
	)
}

func (s *Store) queryTimecards(ctx context.Context, query string, args ...any) ([]*settlement.Timecard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timecards: %w", err)
	}
	defer rows.Close()

	var result []*settlement.Timecard
	for rows.Next() {
		tc, err := scanTimecard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timecard: %w", err)
		}
		result = append(result, tc)
	}
	return result, rows.Err()
}

func timecardArgs(tc *settlement.Timecard) []any {
	args := []any{
		string(tc.ID), string(tc.ContractID), string(tc.WorkerID), string(tc.PayerID),
		tc.HourlyRate.String(),
		tc.ShiftDate.UTC().Format(dateLayout), formatTime(tc.StartTime), formatTime(tc.EndTime),
		boolInt(tc.IsOvernight), tc.BreakMinutes,
		formatTime(tc.RoundedStart), formatTime(tc.RoundedEnd), tc.TotalHours.String(),
	}
	args = append(args, feeArgs(tc.Fees)...)
	return append(args,
		nullString(tc.PaymentReference), nullString(tc.PayoutReference),
		string(tc.Status), formatTime(tc.SubmittedAt), formatTime(tc.ApprovalDeadline),
		nullTime(tc.DecidedAt), nullString(tc.DecidedBy), nullTime(tc.PaidAt),
		nullString(tc.RejectionReason), nullString(tc.Notes),
		tc.PaymentAttempts, nullString(tc.LastPaymentError), boolInt(tc.LastPaymentRetryable),
		nullTime(tc.FlaggedAt), nullString(tc.FlagReason), tc.GuardFailures, tc.Version,
	)
}

func feeArgs(f *settlement.FeeBreakdown) []any {
	if f == nil {
		return []any{nil, nil, nil, nil, nil}
	}
	return []any{
		f.GrossAmount.StringFixed(2), f.WorkerFee.StringFixed(2), f.WorkerNetAmount.StringFixed(2),
		f.PayerTotalAmount.StringFixed(2), f.PlatformFeeTotal.StringFixed(2),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTimecard(row scanner) (*settlement.Timecard, error) {
	var (
		tc                   settlement.Timecard
		id, contract         string
		worker, payer        string
		rate, hours          string
		shiftDate            string
		start, end           string
		roundedStart         string
		roundedEnd           string
		status               string
		submittedAt          string
		deadline             string
		overnight, retryable int

		gross, workerFee, workerNet, payerTotal, platformFee sql.NullString
		paymentRef, payoutRef                                sql.NullString
		decidedAt, decidedBy, paidAt                         sql.NullString
		rejection, notes, lastError                          sql.NullString
		flaggedAt, flagReason                                sql.NullString
	)

	err := row.Scan(
		&id, &contract, &worker, &payer, &rate,
		&shiftDate, &start, &end, &overnight, &tc.BreakMinutes,
		&roundedStart, &roundedEnd, &hours,
		&gross, &workerFee, &workerNet, &payerTotal, &platformFee,
		&paymentRef, &payoutRef,
		&status, &submittedAt, &deadline, &decidedAt, &decidedBy, &paidAt,
		&rejection, &notes,
		&tc.PaymentAttempts, &lastError, &retryable,
		&flaggedAt, &flagReason, &tc.GuardFailures, &tc.Version,
	)
	if err != nil {
		return nil, err
	}

	tc.ID = settlement.TimecardID(id)
	tc.ContractID = settlement.ContractID(contract)
	tc.WorkerID = settlement.WorkerID(worker)
	tc.PayerID = settlement.PayerID(payer)
	tc.HourlyRate = parseDecimal(rate)
	tc.ShiftDate, _ = time.Parse(dateLayout, shiftDate)
	tc.StartTime = parseTime(start)
	tc.EndTime = parseTime(end)
	tc.IsOvernight = overnight != 0
	tc.RoundedStart = parseTime(roundedStart)
	tc.RoundedEnd = parseTime(roundedEnd)
	tc.TotalHours = parseDecimal(hours)

	if payerTotal.Valid {
		tc.Fees = &settlement.FeeBreakdown{
			HourlyRate:       tc.HourlyRate,
			TotalHours:       tc.TotalHours,
			GrossAmount:      parseDecimal(gross.String),
			WorkerFee:        parseDecimal(workerFee.String),
			WorkerNetAmount:  parseDecimal(workerNet.String),
			PayerTotalAmount: parseDecimal(payerTotal.String),
			PlatformFeeTotal: parseDecimal(platformFee.String),
		}
	}

	tc.PaymentReference = paymentRef.String
	tc.PayoutReference = payoutRef.String
	tc.Status = settlement.Status(status)
	tc.SubmittedAt = parseTime(submittedAt)
	tc.ApprovalDeadline = parseTime(deadline)
	tc.DecidedAt = parseNullTime(decidedAt)
	tc.DecidedBy = decidedBy.String
	tc.PaidAt = parseNullTime(paidAt)
	tc.RejectionReason = rejection.String
	tc.Notes = notes.String
	tc.LastPaymentError = lastError.String
	tc.LastPaymentRetryable = retryable != 0
	tc.FlaggedAt = parseNullTime(flaggedAt)
	tc.FlagReason = flagReason.String
	return &tc, nil
}

// =============================================================================
// EVENTS
// =============================================================================

// AppendEvent records a lifecycle event. Events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, e settlement.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timecard_events WHERE timecard_id = ?`), string(e.TimecardID),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to sequence event: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO timecard_events (id, timecard_id, seq, event_type, reason, actor, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.ID, string(e.TimecardID), seq, string(e.Type), nullString(e.Reason), nullString(e.Actor), formatTime(e.At))
	if err != nil {
		if isUniqueConstraintError(err) {
			return settlement.ErrDuplicateID
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return tx.Commit()
}

// ListEvents returns a timecard's events in the order they occurred.
func (s *Store) ListEvents(ctx context.Context, id settlement.TimecardID) ([]settlement.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, timecard_id, event_type, reason, actor, occurred_at
		FROM timecard_events WHERE timecard_id = ?
		ORDER BY seq
	`), string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []settlement.Event
	for rows.Next() {
		var (
			e                  settlement.Event
			timecardID, evType string
			reason, actor      sql.NullString
			occurredAt         string
		)
		if err := rows.Scan(&e.ID, &timecardID, &evType, &reason, &actor, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.TimecardID = settlement.TimecardID(timecardID)
		e.Type = settlement.EventType(evType)
		e.Reason = reason.String
		e.Actor = actor.String
		e.At = parseTime(occurredAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// CONTRACTS
// =============================================================================

// SaveContract creates or updates a contract.
func (s *Store) SaveContract(ctx context.Context, c *settlement.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO contracts (id, worker_id, payer_id, hourly_rate, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_id = excluded.worker_id,
			payer_id = excluded.payer_id,
			hourly_rate = excluded.hourly_rate,
			active = excluded.active
	`), string(c.ID), string(c.WorkerID), string(c.PayerID), c.HourlyRate.String(), boolInt(c.Active), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract returns settlement.ErrContractNotFound for an unknown id.
func (s *Store) GetContract(ctx context.Context, id settlement.ContractID) (*settlement.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, worker_id, payer_id, hourly_rate, active, created_at FROM contracts WHERE id = ?`), string(id))
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrContractNotFound
	}
	return c, err
}

// ListContracts returns all contracts.
func (s *Store) ListContracts(ctx context.Context) ([]*settlement.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, payer_id, hourly_rate, active, created_at FROM contracts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var result []*settlement.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanContract(row scanner) (*settlement.Contract, error) {
	var (
		c                                    settlement.Contract
		id, workerID, payerID, rate, created string
		active                               int
	)
	if err := row.Scan(&id, &workerID, &payerID, &rate, &active, &created); err != nil {
		return nil, err
	}
	c.ID = settlement.ContractID(id)
	c.WorkerID = settlement.WorkerID(workerID)
	c.PayerID = settlement.PayerID(payerID)
	c.HourlyRate = parseDecimal(rate)
	c.Active = active != 0
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// =============================================================================
// PAYMENT READINESS
// =============================================================================

// SavePaymentMethod creates or replaces a payer's payment method.
func (s *Store) SavePaymentMethod(ctx context.Context, pm *settlement.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO payment_methods (payer_id, reference, active, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(payer_id) DO UPDATE SET
			reference = excluded.reference,
			active = excluded.active,
			updated_at = excluded.updated_at
	`), string(pm.PayerID), pm.Reference, boolInt(pm.Active), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}

// GetPaymentMethod returns (nil, nil) when the payer has none.
func (s *Store) GetPaymentMethod(ctx context.Context, payerID settlement.PayerID) (*settlement.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		pm      = settlement.PaymentMethod{PayerID: payerID}
		active  int
		updated string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT reference, active, updated_at FROM payment_methods WHERE payer_id = ?`), string(payerID),
	).Scan(&pm.Reference, &active, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment method: %w", err)
	}
	pm.Active = active != 0
	pm.UpdatedAt = parseTime(updated)
	return &pm, nil
}

// SavePayoutAccount creates or replaces a worker's payout account.
func (s *Store) SavePayoutAccount(ctx context.Context, a *settlement.PayoutAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO payout_accounts (worker_id, reference, charges_enabled, payouts_enabled, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			reference = excluded.reference,
			charges_enabled = excluded.charges_enabled,
			payouts_enabled = excluded.payouts_enabled,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), string(a.WorkerID), a.Reference, boolInt(a.ChargesEnabled), boolInt(a.PayoutsEnabled), a.Status, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save payout account: %w", err)
	}
	return nil
}

// GetPayoutAccount returns (nil, nil) when the worker has none.
func (s *Store) GetPayoutAccount(ctx context.Context, workerID settlement.WorkerID) (*settlement.PayoutAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a                = settlement.PayoutAccount{WorkerID: workerID}
		charges, payouts int
		updated          string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT reference, charges_enabled, payouts_enabled, status, updated_at FROM payout_accounts WHERE worker_id = ?`),
		string(workerID),
	).Scan(&a.Reference, &charges, &payouts, &a.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout account: %w", err)
	}
	a.ChargesEnabled = charges != 0
	a.PayoutsEnabled = payouts != 0
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ settlement.Store            = (*Store)(nil)
	_ settlement.EventLog         = (*Store)(nil)
	_ settlement.ContractSource   = (*Store)(nil)
	_ settlement.AccountDirectory = (*Store)(nil)
)
