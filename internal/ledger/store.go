package ledger

import (
	"context"
	"errors"
	"time"
)

// Static errors for ledger operations.
var (
	// ErrInsufficientCredits is returned when a reservation exceeds the spendable balance.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrAccountNotFound is returned when the user has no credit account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrReservationNotFound is returned when a reservation ID is unknown.
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	// ErrAlreadySettled is returned by a Store when the reservation is no longer pending.
	ErrAlreadySettled = errors.New("ledger: reservation already settled")
	// ErrInvalidAmount is returned when an amount is not positive.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrUserIDRequired is returned when the user ID is empty.
	ErrUserIDRequired = errors.New("ledger: user ID is required")
)

// Store defines the persistence port of the ledger.
// Every mutating method must be atomic at the storage layer: implementations
// use conditional updates, never a read-compute-write of the balance.
type Store interface {
	// EnsureAccount creates an empty account for the user if none exists.
	EnsureAccount(ctx context.Context, userID string, at time.Time) error

	// GetAccount returns the stored counters of the user.
	// Returns ErrAccountNotFound if the user has no account.
	GetAccount(ctx context.Context, userID string) (Account, error)

	// ReserveCredits increments the reserved counter by r.Amount if and only if
	// Available - Reserved >= r.Amount, and records r as a pending reservation.
	// Returns ErrInsufficientCredits or ErrAccountNotFound on refusal.
	ReserveCredits(ctx context.Context, r Reservation) error

	// SettleReservation moves a pending reservation to the given terminal status
	// and applies the matching counter changes in one step.
	// Returns the stored reservation together with ErrAlreadySettled when it
	// was not pending, and ErrReservationNotFound when it does not exist.
	SettleReservation(ctx context.Context, id string, to ReservationStatus, reason string, at time.Time) (Reservation, error)

	// GetReservation returns a reservation by ID.
	GetReservation(ctx context.Context, id string) (Reservation, error)

	// ListReservations returns the reservations of a user, newest first.
	ListReservations(ctx context.Context, userID string) ([]Reservation, error)

	// ListPendingReservations returns pending reservations created before the given time.
	ListPendingReservations(ctx context.Context, before time.Time) ([]Reservation, error)

	// AddPurchased adds purchased credits to the account, creating it if needed.
	// It is idempotent per referenceID: a replayed reference returns applied=false.
	AddPurchased(ctx context.Context, userID string, credits int64, referenceID string, at time.Time) (applied bool, err error)
}
