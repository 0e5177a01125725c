package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrStore      = errors.New("history store failure")
)

// ValidationError reports every rejected input field. It is returned before
// any dispatch happens.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// OrNil returns nil when no field was rejected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned for lookups of unknown channels, rules or records.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError means the history record could not be durably written or read.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("history %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// DeliveryKind classifies a delivery failure for the retry loop.
type DeliveryKind string

const (
	DeliveryTransient DeliveryKind = "transient"
	DeliveryPermanent DeliveryKind = "permanent"
)

// DeliveryError is a classified per-channel failure. It is recorded on the
// outcome, never returned from Submit.
type DeliveryError struct {
	Kind DeliveryKind
	Err  error
	// RetryAfter is an optional hint from the destination (e.g. HTTP 429).
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " delivery error"
	}
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Transient() bool { return e.Kind == DeliveryTransient }
