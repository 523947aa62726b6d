// Package billing verifies purchase notifications and credits the buyer.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"
)

// Static errors for purchase verification.
var (
	// ErrInvalidSignature is returned when the payload signature does not verify.
	ErrInvalidSignature = errors.New("billing: invalid signature")
	// ErrMalformedPurchase is returned when a verified purchase lacks its user or credits.
	ErrMalformedPurchase = errors.New("billing: malformed purchase")
	// ErrSecretRequired is returned when the verifier has no signing secret.
	ErrSecretRequired = errors.New("billing: webhook secret is required")
)

// Verification is the outcome of a verified notification.
// Ignored is set for well-formed events that do not grant credits.
type Verification struct {
	Ignored     bool
	EventType   string
	UserID      string
	Credits     int64
	ReferenceID string
}

// PurchaseVerifier authenticates a payment provider notification.
type PurchaseVerifier interface {
	Verify(ctx context.Context, payload []byte, signature string) (Verification, error)
}

// StripeVerifier verifies Stripe webhook events.
// Completed checkout sessions carry the buyer in metadata.user_id (or
// client_reference_id) and the purchased amount in metadata.credits.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier for the endpoint signing secret.
func NewStripeVerifier(secret string) (*StripeVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &StripeVerifier{secret: secret}, nil
}

// Verify checks the Stripe-Signature header and extracts the purchase.
func (v *StripeVerifier) Verify(_ context.Context, payload []byte, signature string) (Verification, error) {
	event, err := stripeWebhook.ConstructEventWithOptions(payload, signature, v.secret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	out := Verification{EventType: string(event.Type)}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		out.Ignored = true
		return out, nil
	}
	if status := strings.TrimSpace(event.GetObjectValue("payment_status")); status != "" && status != "paid" {
		out.Ignored = true
		return out, nil
	}

	out.ReferenceID = strings.TrimSpace(event.GetObjectValue("id"))
	out.UserID = strings.TrimSpace(event.GetObjectValue("metadata", "user_id"))
	if out.UserID == "" {
		out.UserID = strings.TrimSpace(event.GetObjectValue("client_reference_id"))
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("metadata", "credits")), 10, 64)
	if err != nil || credits <= 0 {
		return out, fmt.Errorf("%w: credits metadata missing or invalid", ErrMalformedPurchase)
	}
	out.Credits = credits

	if out.UserID == "" || out.ReferenceID == "" {
		return out, fmt.Errorf("%w: user or session id missing", ErrMalformedPurchase)
	}
	return out, nil
}

// Crediter adds purchased credits idempotently per reference.
type Crediter interface {
	AddPurchased(ctx context.Context, userID string, credits int64, referenceID string) (bool, error)
}

// TopUp applies verified purchases to the ledger.
type TopUp struct {
	verifier PurchaseVerifier
	credits  Crediter
	logger   *slog.Logger
}

// NewTopUp creates a new TopUp.
func NewTopUp(verifier PurchaseVerifier, credits Crediter, logger *slog.Logger) *TopUp {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopUp{
		verifier: verifier,
		credits:  credits,
		logger:   logger,
	}
}

// Handle verifies a notification and credits the buyer. A replayed
// notification is verified again but credits nothing.
func (t *TopUp) Handle(ctx context.Context, payload []byte, signature string) (Verification, error) {
	v, err := t.verifier.Verify(ctx, payload, signature)
	if err != nil {
		return v, err
	}
	if v.Ignored {
		t.logger.Debug("ignoring payment event", slog.String("event_type", v.EventType))
		return v, nil
	}

	applied, err := t.credits.AddPurchased(ctx, v.UserID, v.Credits, v.ReferenceID)
	if err != nil {
		return v, fmt.Errorf("billing: add credits: %w", err)
	}
	if !applied {
		t.logger.Info("purchase already applied",
			slog.String("user_id", v.UserID),
			slog.String("reference_id", v.ReferenceID),
		)
		return v, nil
	}
	t.logger.Info("credits purchased",
		slog.String("user_id", v.UserID),
		slog.Int64("credits", v.Credits),
		slog.String("reference_id", v.ReferenceID),
	)
	return v, nil
}
