package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/videogen-api/internal/id"
)

// Ledger is the only component allowed to mutate credit counters.
// All balance changes go through Reserve, Confirm, Return and AddPurchased.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a new Ledger backed by the given store.
func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve places a pending hold of amount credits for the given job.
// Returns ErrInsufficientCredits if the spendable balance does not cover it.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount int64) (string, error) {
	if userID == "" {
		return "", ErrUserIDRequired
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	res := Reservation{
		ID:        id.Reservation(),
		UserID:    userID,
		JobID:     jobID,
		Amount:    amount,
		Status:    ReservationPending,
		CreatedAt: l.now(),
	}

	if err := l.store.ReserveCredits(ctx, res); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// A user without an account has nothing to spend.
			return "", fmt.Errorf("%w: no account for user %s", ErrInsufficientCredits, userID)
		}
		if errors.Is(err, ErrInsufficientCredits) {
			return "", err
		}
		return "", fmt.Errorf("ledger: reserve: %w", err)
	}

	l.logger.Info("credits reserved",
		slog.String("reservation_id", res.ID),
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
		slog.Int64("amount", amount),
	)
	return res.ID, nil
}

// Confirm permanently consumes a pending reservation and returns the amount charged.
// Confirming a reservation that is already settled is a no-op that logs a warning.
func (l *Ledger) Confirm(ctx context.Context, reservationID string) (int64, error) {
	return l.settle(ctx, reservationID, ReservationCompleted, "")
}

// Return releases a pending reservation without charging and returns the amount released.
// Returning a reservation that is already settled is a no-op that logs a warning.
func (l *Ledger) Return(ctx context.Context, reservationID, reason string) (int64, error) {
	return l.settle(ctx, reservationID, ReservationReturned, reason)
}

func (l *Ledger) settle(ctx context.Context, reservationID string, to ReservationStatus, reason string) (int64, error) {
	res, err := l.store.SettleReservation(ctx, reservationID, to, reason, l.now())
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			l.logger.Warn("reservation already settled, ignoring",
				slog.String("reservation_id", reservationID),
				slog.String("current_status", string(res.Status)),
				slog.String("requested_status", string(to)),
			)
			return 0, nil
		}
		if errors.Is(err, ErrReservationNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("ledger: settle %s: %w", to, err)
	}

	l.logger.Info("reservation settled",
		slog.String("reservation_id", res.ID),
		slog.String("user_id", res.UserID),
		slog.String("job_id", res.JobID),
		slog.String("status", string(to)),
		slog.Int64("amount", res.Amount),
		slog.String("reason", reason),
	)
	return res.Amount, nil
}

// Status returns a read-only snapshot of the user's credits.
// A user without an account has an all-zero balance.
func (l *Ledger) Status(ctx context.Context, userID string) (Balance, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Balance{}, nil
		}
		return Balance{}, fmt.Errorf("ledger: status: %w", err)
	}
	return BalanceOf(acc), nil
}

// AddPurchased credits a verified purchase to the user.
// It returns false without changing the balance when referenceID was already applied.
func (l *Ledger) AddPurchased(ctx context.Context, userID string, credits int64, referenceID string) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	if credits <= 0 {
		return false, fmt.Errorf("%w: got %d", ErrInvalidAmount, credits)
	}
	if referenceID == "" {
		return false, errors.New("ledger: purchase reference is required")
	}

	applied, err := l.store.AddPurchased(ctx, userID, credits, referenceID, l.now())
	if err != nil {
		return false, fmt.Errorf("ledger: add purchased: %w", err)
	}
	if !applied {
		l.logger.Warn("purchase already applied, ignoring",
			slog.String("user_id", userID),
			slog.String("reference_id", referenceID),
		)
		return false, nil
	}

	l.logger.Info("credits purchased",
		slog.String("user_id", userID),
		slog.Int64("credits", credits),
		slog.String("reference_id", referenceID),
	)
	return true, nil
}

// EnsureAccount creates an empty account for the user if needed.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	return l.store.EnsureAccount(ctx, userID, l.now())
}

// Reservation returns a reservation by ID.
func (l *Ledger) Reservation(ctx context.Context, reservationID string) (Reservation, error) {
	return l.store.GetReservation(ctx, reservationID)
}

// Reservations returns the reservation history of a user, newest first.
func (l *Ledger) Reservations(ctx context.Context, userID string) ([]Reservation, error) {
	return l.store.ListReservations(ctx, userID)
}

// PendingOlderThan returns pending reservations created more than age ago.
func (l *Ledger) PendingOlderThan(ctx context.Context, age time.Duration) ([]Reservation, error) {
	return l.store.ListPendingReservations(ctx, l.now().Add(-age))
}
