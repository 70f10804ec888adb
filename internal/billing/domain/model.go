// Package domain contains persistence models and contracts for subscription
// state reconciliation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	// StatusExpired is derived at read time when the paid-for window has
	// lapsed. It is never stored.
	StatusExpired Status = "expired"
)

// Subscription captures a user's billing agreement as reconciled from the
// payment processor's event stream.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	UserID                 string       `gorm:"type:text;not null;uniqueIndex"`
	Status                 Status       `gorm:"type:text;not null"`
	Plan                   string       `gorm:"type:text"`
	ExternalCustomerID     *string      `gorm:"type:text"`
	ExternalSubscriptionID *string      `gorm:"type:text;uniqueIndex"`
	CurrentPeriodStart     *time.Time   `gorm:""`
	CurrentPeriodEnd       *time.Time   `gorm:""`
	CancelAt               *time.Time   `gorm:""`
	CanceledAt             *time.Time   `gorm:""`
	CreatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Entitling reports whether the subscription grants access at the given
// instant: the status must be active or trialing, the paid-for window must
// not have lapsed, and any scheduled cancellation must not have taken effect.
func (s *Subscription) Entitling(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != StatusActive && s.Status != StatusTrialing {
		return false
	}
	if s.CurrentPeriodEnd == nil || !now.Before(*s.CurrentPeriodEnd) {
		return false
	}
	if s.CancelAt != nil && !now.Before(*s.CancelAt) {
		return false
	}
	return true
}

// EffectiveStatus returns the status as it should be reported to callers,
// deriving expired for active/trialing rows whose period has lapsed. Stored
// status is never rewritten by reads.
func (s *Subscription) EffectiveStatus(now time.Time) Status {
	if s == nil {
		return ""
	}
	if s.Status == StatusActive || s.Status == StatusTrialing {
		if s.CurrentPeriodEnd != nil && !now.Before(*s.CurrentPeriodEnd) {
			return StatusExpired
		}
	}
	return s.Status
}

// EventRecord is the dedupe/audit row written once per provider event.
// The unique (provider, provider_event_id) pair short-circuits redeliveries
// of an already-processed event.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null"`
	ProviderEventID string         `gorm:"type:text;not null"`
	EventType       string         `gorm:"type:text;not null"`
	UserID          string         `gorm:"type:text"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "billing_events" }
