// Package stripe adapts Stripe webhook payloads and API objects to the
// billing domain.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/paygate/internal/billing/domain"
)

const Provider = "stripe"

// Verifier validates the Stripe-Signature header on raw webhook payloads.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier builds a Verifier with the given signing secret and replay
// tolerance window.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify recomputes the HMAC-SHA256 digest over "{t}.{body}" and compares it
// against every v1 signature in the header. The timestamp must fall within
// the tolerance window around now.
func (v *Verifier) Verify(payload []byte, header string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.ErrSignatureMismatch
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrSignatureMismatch
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return domain.ErrSignatureMismatch
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrSignatureMismatch
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return domain.ErrStaleTimestamp
	}

	return nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrSignatureMismatch
	}
	return timestamp, signatures, nil
}

// Normalize maps a verified payload to the closed event-kind enum and
// extracts only the fields the handlers need. Unrecognized event types
// normalize to EventUnhandled, never to an error.
func Normalize(payload []byte) (*domain.Event, error) {
	var envelope stripeEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	event := &domain.Event{
		Provider:        Provider,
		ProviderEventID: envelope.ID,
		ProviderType:    strings.TrimSpace(envelope.Type),
		OccurredAt:      unixTime(envelope.Created),
	}

	switch event.ProviderType {
	case "checkout.session.completed":
		return normalizeCheckoutSession(event, envelope.Data.Object)
	case "customer.subscription.created":
		event.Kind = domain.EventSubscriptionCreated
		return normalizeSubscription(event, envelope.Data.Object)
	case "customer.subscription.updated":
		event.Kind = domain.EventSubscriptionUpdated
		return normalizeSubscription(event, envelope.Data.Object)
	case "customer.subscription.deleted":
		event.Kind = domain.EventSubscriptionDeleted
		return normalizeSubscription(event, envelope.Data.Object)
	case "invoice.paid", "invoice.payment_succeeded":
		event.Kind = domain.EventInvoicePaid
		return normalizeInvoice(event, envelope.Data.Object)
	case "invoice.payment_failed":
		event.Kind = domain.EventInvoicePaymentFailed
		return normalizeInvoice(event, envelope.Data.Object)
	default:
		event.Kind = domain.EventUnhandled
		return event, nil
	}
}

func normalizeCheckoutSession(event *domain.Event, object json.RawMessage) (*domain.Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	event.Kind = domain.EventCheckoutCompleted
	event.UserID = strings.TrimSpace(session.ClientReferenceID)
	if event.UserID == "" {
		event.UserID = strings.TrimSpace(session.Metadata["user_id"])
	}
	event.Plan = strings.TrimSpace(session.Metadata["plan"])
	event.ExternalCustomerID = strings.TrimSpace(session.Customer)
	event.ExternalSubscriptionID = strings.TrimSpace(session.Subscription)
	event.Status = domain.StatusActive
	return event, nil
}

func normalizeSubscription(event *domain.Event, object json.RawMessage) (*domain.Event, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	event.UserID = strings.TrimSpace(sub.Metadata["user_id"])
	event.ExternalCustomerID = strings.TrimSpace(sub.Customer)
	event.ExternalSubscriptionID = strings.TrimSpace(sub.ID)
	event.Status = mapStatus(sub.Status)
	event.CurrentPeriodStart = optionalUnixTime(sub.CurrentPeriodStart)
	event.CurrentPeriodEnd = optionalUnixTime(sub.CurrentPeriodEnd)
	event.CancelAt = optionalUnixTime(sub.CancelAt)
	event.CanceledAt = optionalUnixTime(sub.CanceledAt)

	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		event.Plan = strings.TrimSpace(item.Price.ID)
		if event.CurrentPeriodStart == nil {
			event.CurrentPeriodStart = optionalUnixTime(item.CurrentPeriodStart)
		}
		if event.CurrentPeriodEnd == nil {
			event.CurrentPeriodEnd = optionalUnixTime(item.CurrentPeriodEnd)
		}
	}
	if plan := strings.TrimSpace(sub.Metadata["plan"]); plan != "" {
		event.Plan = plan
	}

	if event.Kind == domain.EventSubscriptionDeleted {
		event.Status = domain.StatusCanceled
		if event.CanceledAt == nil {
			event.CanceledAt = &event.OccurredAt
		}
	}
	return event, nil
}

func normalizeInvoice(event *domain.Event, object json.RawMessage) (*domain.Event, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(object, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	event.ExternalCustomerID = strings.TrimSpace(invoice.Customer)
	event.ExternalSubscriptionID = strings.TrimSpace(invoice.Subscription)

	for _, line := range invoice.Lines.Data {
		if event.ExternalSubscriptionID == "" {
			event.ExternalSubscriptionID = strings.TrimSpace(line.Subscription)
		}
		if line.Period.End > 0 {
			event.CurrentPeriodStart = optionalUnixTime(line.Period.Start)
			event.CurrentPeriodEnd = optionalUnixTime(line.Period.End)
		}
	}

	if event.Kind == domain.EventInvoicePaid {
		event.Status = domain.StatusActive
	} else {
		event.Status = domain.StatusPastDue
	}
	return event, nil
}

// mapStatus folds provider statuses into the closed local enum. States that
// do not entitle (unpaid, incomplete, paused) land on past_due.
func mapStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return domain.StatusActive
	case "trialing":
		return domain.StatusTrialing
	case "past_due", "unpaid", "incomplete", "incomplete_expired", "paused":
		return domain.StatusPastDue
	case "canceled":
		return domain.StatusCanceled
	default:
		return domain.StatusPastDue
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAt           int64             `json:"cancel_at"`
	CanceledAt         int64             `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Lines        struct {
		Data []stripeInvoiceLine `json:"data"`
	} `json:"lines"`
}

type stripeInvoiceLine struct {
	Subscription string `json:"subscription"`
	Period       struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

func unixTime(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func optionalUnixTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
