// Package ledger provides the credit reservation ledger.
// Credits are held against in-flight jobs with Reserve and settled exactly once,
// either permanently consumed with Confirm or released with Return.
package ledger

import "time"

// ReservationStatus represents the settlement state of a credit reservation.
type ReservationStatus string

const (
	// ReservationPending indicates the credits are held against an active job.
	ReservationPending ReservationStatus = "pending"
	// ReservationCompleted indicates the credits were permanently consumed.
	ReservationCompleted ReservationStatus = "completed"
	// ReservationReturned indicates the hold was released without charging.
	ReservationReturned ReservationStatus = "returned"
)

// IsTerminal returns true if the reservation has been settled.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationCompleted || s == ReservationReturned
}

// Reservation is a hold placed on a user's credits for one job.
type Reservation struct {
	ID        string
	UserID    string
	JobID     string
	Amount    int64
	Status    ReservationStatus
	Reason    string
	CreatedAt time.Time
	SettledAt time.Time
}

// Account holds the stored credit counters of a user.
//
// Available is only decremented when a reservation is confirmed, so the
// spendable amount at any point is Available - Reserved.
type Account struct {
	UserID         string
	Available      int64
	Reserved       int64
	TotalUsed      int64
	TotalPurchased int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Spendable returns the credits that can still be reserved.
func (a Account) Spendable() int64 {
	return a.Available - a.Reserved
}

// Balance is a read-only snapshot of a user's credits.
type Balance struct {
	// Available is the spendable amount (stored balance minus reserved).
	Available int64 `json:"available"`
	// Reserved is the amount held against in-flight jobs.
	Reserved int64 `json:"reserved"`
	// TotalUsed is the amount permanently consumed.
	TotalUsed int64 `json:"total_used"`
	// TotalPurchased is the amount ever added by purchases.
	TotalPurchased int64 `json:"total_purchased"`
}

// BalanceOf converts a stored account into a balance snapshot.
func BalanceOf(a Account) Balance {
	return Balance{
		Available:      a.Spendable(),
		Reserved:       a.Reserved,
		TotalUsed:      a.TotalUsed,
		TotalPurchased: a.TotalPurchased,
	}
}
