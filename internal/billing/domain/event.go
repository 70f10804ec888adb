package domain

import "time"

// EventKind is the closed set of normalized webhook event kinds.
type EventKind string

const (
	EventCheckoutCompleted    EventKind = "checkout_completed"
	EventSubscriptionCreated  EventKind = "subscription_created"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventInvoicePaid          EventKind = "invoice_paid"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventUnhandled            EventKind = "unhandled"
)

// Event is the normalized form of a verified webhook payload. Only the
// correlation identifiers and state fields the handlers need are carried;
// the raw object is never passed through.
type Event struct {
	Kind            EventKind
	Provider        string
	ProviderEventID string
	ProviderType    string

	UserID                 string
	Plan                   string
	ExternalCustomerID     string
	ExternalSubscriptionID string

	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time

	OccurredAt time.Time
}
