package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// A single mutex makes every check-and-update atomic.
// Suitable for development and testing; use the SQLite store for persistence.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	reservations map[string]*Reservation
	purchases    map[string]struct{}
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
		purchases:    make(map[string]struct{}),
	}
}

// EnsureAccount creates an empty account if none exists.
func (s *MemoryStore) EnsureAccount(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(userID, at)
	return nil
}

func (s *MemoryStore) ensureLocked(userID string, at time.Time) *Account {
	acc, ok := s.accounts[userID]
	if !ok {
		acc = &Account{UserID: userID, CreatedAt: at, UpdatedAt: at}
		s.accounts[userID] = acc
	}
	return acc
}

// GetAccount returns a copy of the stored account.
func (s *MemoryStore) GetAccount(_ context.Context, userID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

// ReserveCredits holds r.Amount if the spendable balance covers it.
func (s *MemoryStore) ReserveCredits(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[r.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if acc.Spendable() < r.Amount {
		return ErrInsufficientCredits
	}

	acc.Reserved += r.Amount
	acc.UpdatedAt = r.CreatedAt

	r.Status = ReservationPending
	stored := r
	s.reservations[r.ID] = &stored
	return nil
}

// SettleReservation settles a pending reservation exactly once.
func (s *MemoryStore) SettleReservation(_ context.Context, id string, to ReservationStatus, reason string, at time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	if res.Status != ReservationPending {
		return *res, ErrAlreadySettled
	}

	acc := s.ensureLocked(res.UserID, at)
	switch to {
	case ReservationCompleted:
		acc.Available -= res.Amount
		acc.Reserved -= res.Amount
		acc.TotalUsed += res.Amount
	case ReservationReturned:
		acc.Reserved -= res.Amount
	default:
		return *res, ErrAlreadySettled
	}
	acc.UpdatedAt = at

	res.Status = to
	res.Reason = reason
	res.SettledAt = at
	return *res, nil
}

// GetReservation returns a copy of the reservation.
func (s *MemoryStore) GetReservation(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return *res, nil
}

// ListReservations returns the user's reservations, newest first.
func (s *MemoryStore) ListReservations(_ context.Context, userID string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Reservation, 0)
	for _, res := range s.reservations {
		if res.UserID == userID {
			result = append(result, *res)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListPendingReservations returns pending reservations created before the given time.
func (s *MemoryStore) ListPendingReservations(_ context.Context, before time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Reservation, 0)
	for _, res := range s.reservations {
		if res.Status == ReservationPending && res.CreatedAt.Before(before) {
			result = append(result, *res)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AddPurchased credits the account once per reference.
func (s *MemoryStore) AddPurchased(_ context.Context, userID string, credits int64, referenceID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.purchases[referenceID]; seen {
		return false, nil
	}
	s.purchases[referenceID] = struct{}{}

	acc := s.ensureLocked(userID, at)
	acc.Available += credits
	acc.TotalPurchased += credits
	acc.UpdatedAt = at
	return true, nil
}
