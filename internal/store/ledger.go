package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/videogen-api/internal/ledger"
)

// Compile-time check that LedgerStore implements ledger.Store.
var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore implements ledger.Store on SQLite. Balance changes are guarded
// UPDATE statements, so concurrent reservations cannot overdraw an account.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// EnsureAccount creates an empty account if none exists.
func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, insertAccountSQL, userID, toNanos(at), toNanos(at)); err != nil {
		return fmt.Errorf("store: ensure account: %w", err)
	}
	return nil
}

const insertAccountSQL = `INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`

// GetAccount returns the stored counters of the user.
func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var (
		acc                  ledger.Account
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, available, reserved, total_used, total_purchased, created_at, updated_at
		FROM users WHERE user_id = ?`, userID,
	).Scan(&acc.UserID, &acc.Available, &acc.Reserved, &acc.TotalUsed, &acc.TotalPurchased, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("store: get account: %w", err)
	}
	acc.CreatedAt = fromNanos(createdAt)
	acc.UpdatedAt = fromNanos(updatedAt)
	return acc, nil
}

// ReserveCredits holds r.Amount if the spendable balance covers it.
func (s *LedgerStore) ReserveCredits(ctx context.Context, r ledger.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := execAffected(ctx, tx, `
		UPDATE users SET reserved = reserved + ?, updated_at = ?
		WHERE user_id = ? AND available - reserved >= ?`,
		r.Amount, toNanos(r.CreatedAt), r.UserID, r.Amount,
	)
	if err != nil {
		return fmt.Errorf("store: reserve credits: %w", err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ?`, r.UserID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("store: reserve credits: %w", err)
		}
		return ledger.ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, user_id, job_id, amount, status, reason, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, '', ?, 0)`,
		r.ID, r.UserID, r.JobID, r.Amount, string(ledger.ReservationPending), toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit reserve: %w", err)
	}
	return nil
}

// SettleReservation moves a pending reservation to a terminal status and
// applies the counter changes in the same transaction.
func (s *LedgerStore) SettleReservation(ctx context.Context, id string, to ledger.ReservationStatus, reason string, at time.Time) (ledger.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := getReservation(ctx, tx, id)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if res.Status != ledger.ReservationPending || !to.IsTerminal() {
		return res, ledger.ErrAlreadySettled
	}

	n, err := execAffected(ctx, tx, `
		UPDATE credit_reservations SET status = ?, reason = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		string(to), reason, toNanos(at), id, string(ledger.ReservationPending),
	)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: settle reservation: %w", err)
	}
	if n == 0 {
		return res, ledger.ErrAlreadySettled
	}

	if _, err := tx.ExecContext(ctx, insertAccountSQL, res.UserID, toNanos(at), toNanos(at)); err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: ensure account: %w", err)
	}

	var counters string
	switch to {
	case ledger.ReservationCompleted:
		counters = `available = available - ?1, reserved = reserved - ?1, total_used = total_used + ?1`
	default:
		counters = `reserved = reserved - ?1`
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET `+counters+`, updated_at = ?2 WHERE user_id = ?3`,
		res.Amount, toNanos(at), res.UserID,
	)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: commit settle: %w", err)
	}

	res.Status = to
	res.Reason = reason
	res.SettledAt = fromNanos(toNanos(at))
	return res, nil
}

// GetReservation returns a reservation by ID.
func (s *LedgerStore) GetReservation(ctx context.Context, id string) (ledger.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

// ListReservations returns the user's reservations, newest first.
func (s *LedgerStore) ListReservations(ctx context.Context, userID string) ([]ledger.Reservation, error) {
	return s.listReservations(ctx, `WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListPendingReservations returns pending reservations created before the given time, oldest first.
func (s *LedgerStore) ListPendingReservations(ctx context.Context, before time.Time) ([]ledger.Reservation, error) {
	return s.listReservations(ctx, `WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(ledger.ReservationPending), toNanos(before))
}

// AddPurchased credits the account once per reference.
func (s *LedgerStore) AddPurchased(ctx context.Context, userID string, credits int64, referenceID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin purchase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := execAffected(ctx, tx, `
		INSERT INTO credit_purchases (reference_id, user_id, credits, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (reference_id) DO NOTHING`,
		referenceID, userID, credits, toNanos(at),
	)
	if err != nil {
		return false, fmt.Errorf("store: record purchase: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, insertAccountSQL, userID, toNanos(at), toNanos(at)); err != nil {
		return false, fmt.Errorf("store: ensure account: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET available = available + ?1, total_purchased = total_purchased + ?1, updated_at = ?2
		WHERE user_id = ?3`,
		credits, toNanos(at), userID,
	)
	if err != nil {
		return false, fmt.Errorf("store: add credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit purchase: %w", err)
	}
	return true, nil
}

const reservationColumns = `id, user_id, job_id, amount, status, reason, created_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanReservation(row rowScanner) (ledger.Reservation, error) {
	var (
		r                    ledger.Reservation
		status               string
		createdAt, settledAt int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.JobID, &r.Amount, &status, &r.Reason, &createdAt, &settledAt); err != nil {
		return ledger.Reservation{}, err
	}
	r.Status = ledger.ReservationStatus(status)
	r.CreatedAt = fromNanos(createdAt)
	r.SettledAt = fromNanos(settledAt)
	return r, nil
}

func getReservation(ctx context.Context, q queryer, id string) (ledger.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM credit_reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("store: get reservation: %w", err)
	}
	return r, nil
}

func (s *LedgerStore) listReservations(ctx context.Context, where string, args ...any) ([]ledger.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM credit_reservations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]ledger.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list reservations: %w", err)
	}
	return result, nil
}
