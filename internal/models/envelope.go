// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"errors"
	"fmt"
)

// Envelope is the uniform result shape returned by every public operation.
// Callers can render partial success without special-casing failures: on
// error, Success is false, Error carries the message, and Data is empty.
type Envelope struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Pages   int    `json:"pages,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data"`
}

// OK builds a success envelope.
func OK(data any, count int) Envelope {
	return Envelope{Success: true, Count: count, Data: data}
}

// Fail builds a failure envelope with an empty data slot.
func Fail(err error) Envelope {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Envelope{Success: false, Error: msg, Data: []any{}}
}

// ValidationError reports a missing or out-of-range caller parameter.
// It is raised before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// NewValidationError builds a validation error for a field. An empty
// reason reads as "is required".
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
