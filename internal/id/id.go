// Package id provides unique identifier generation for jobs, reservations
// and reconciliation claims.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixJob         = "job"
	PrefixReservation = "res"
	PrefixClaim       = "clm"
)

// Generate creates a new unique identifier with the given prefix.
// Format: <prefix>_<uuid without dashes>
// Example: job_9f1c0e4b2a7d4f5e8c3b1a2d4e6f8a0b
func Generate(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// Job returns a new job identifier.
func Job() string { return Generate(PrefixJob) }

// Reservation returns a new credit reservation identifier.
func Reservation() string { return Generate(PrefixReservation) }

// Claim returns a new reconciliation claim token.
func Claim() string { return Generate(PrefixClaim) }
