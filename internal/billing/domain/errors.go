package domain

import "errors"

var (
	ErrSignatureMismatch  = errors.New("signature_mismatch")
	ErrStaleTimestamp     = errors.New("stale_timestamp")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrMissingCorrelation = errors.New("missing_correlation")
	ErrOrphanEvent        = errors.New("orphan_subscription_event")
	ErrNotFound           = errors.New("subscription_not_found")
)
