// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// UpstreamError is a failed upstream SIS call. StatusCode is zero when the
// request produced no HTTP response at all (network error or timeout).
type UpstreamError struct {
	StatusCode int
	Message    string

	// retryAfter carries an upstream-provided Retry-After delay.
	retryAfter time.Duration

	// terminal marks failures that must not be retried even without a
	// status code, such as request construction errors.
	terminal bool
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream request failed: %s", e.Message)
	}
	return fmt.Sprintf("upstream request failed with status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is retryable: rate limiting
// (HTTP 429) or no response at all. Every other status is terminal.
func (e *UpstreamError) Transient() bool {
	if e.terminal {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests
}

// AsUpstreamError unwraps err into an *UpstreamError, or returns nil.
func AsUpstreamError(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}

// StatusOf returns the HTTP status of a failed call, or zero when the error
// is not an UpstreamError or carried no response.
func StatusOf(err error) int {
	if ue := AsUpstreamError(err); ue != nil {
		return ue.StatusCode
	}
	return 0
}
