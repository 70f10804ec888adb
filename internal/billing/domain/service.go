package domain

import "context"

// Outcome classifies how a webhook delivery was resolved.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Reconciler ingests verified webhook deliveries and reconciles local
// subscription state against them.
type Reconciler interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error)
}

// Entitlements answers access questions for the rest of the application.
type Entitlements interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// MarkRecentPayment records a bounded grace flag bridging the latency
	// window between checkout redirect and webhook-driven row creation.
	MarkRecentPayment(ctx context.Context, userID string) error
}

// CheckoutParams describes a checkout-session creation request. The embedded
// correlation fields (client_reference_id, metadata user_id/plan) are
// load-bearing: the webhook path depends on them to attach the resulting
// subscription to a user.
type CheckoutParams struct {
	UserID    string
	Email     string
	Plan      string
	ReturnURL string
}

// CheckoutSession is the created provider session.
type CheckoutSession struct {
	ID  string
	URL string
}

// Checkout creates provider checkout sessions.
type Checkout interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
}
