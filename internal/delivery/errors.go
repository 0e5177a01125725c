package delivery

import (
	"context"
	"errors"
	"net"
	"time"

	"iacnotify/internal/model"
)

var (
	ErrCircuitOpen     = errors.New("circuit open")
	ErrDispatchTimeout = errors.New("dispatch timeout")
	ErrNoSender        = errors.New("no sender configured")
)

// Transient marks err as retryable (network hiccup, 5xx, rate limit).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &model.DeliveryError{Kind: model.DeliveryTransient, Err: err}
}

// Permanent marks err as non-retryable (malformed destination, 4xx).
//
// Example:
//
//	return delivery.Permanent(fmt.Errorf("bad webhook url: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &model.DeliveryError{Kind: model.DeliveryPermanent, Err: err}
}

// RetryAfter marks err transient and carries the destination's suggested
// delay. The dispatcher honors it, bounded by the retry max delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &model.DeliveryError{Kind: model.DeliveryTransient, Err: err, RetryAfter: after}
}

// Classify returns the delivery kind and retry hint for err.
//
// Explicitly classified errors win. Otherwise network errors and timeouts are
// transient and everything else is permanent.
func Classify(err error) (model.DeliveryKind, time.Duration) {
	var de *model.DeliveryError
	if errors.As(err, &de) {
		return de.Kind, de.RetryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.DeliveryTransient, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return model.DeliveryTransient, 0
	}
	return model.DeliveryPermanent, 0
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	kind, _ := Classify(err)
	return kind == model.DeliveryTransient
}
