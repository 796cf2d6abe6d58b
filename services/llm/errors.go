// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrProvider matches every *ProviderError via errors.Is.
var ErrProvider = errors.New("llm provider error")

// ErrorKind classifies a ProviderError.
type ErrorKind int

const (
	// KindHTTP is a transport failure.
	KindHTTP ErrorKind = iota
	// KindRateLimited is a 429 or a local limiter refusal.
	KindRateLimited
	// KindAPI is a non-2xx response with an error body.
	KindAPI
	// KindParse is an unreadable response.
	KindParse
	// KindAuth is a missing or rejected credential.
	KindAuth
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout
	// KindNotConfigured is a provider that cannot be built.
	KindNotConfigured
)

func (k ErrorKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindRateLimited:
		return "rate_limited"
	case KindAPI:
		return "api"
	case KindParse:
		return "parse"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

// ProviderError is the error type returned by every Provider.
type ProviderError struct {
	Kind ErrorKind

	// Status is the HTTP status for KindAPI.
	Status int

	// Message is a human-readable description.
	Message string

	// RetryAfter is the server's back-off hint for KindRateLimited, if any.
	RetryAfter time.Duration

	// Timeout is the exceeded deadline for KindTimeout.
	Timeout time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return "HTTP request failed: " + e.Message
	case KindRateLimited:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("Rate limited, retry after %s", e.RetryAfter)
		}
		return "Rate limited"
	case KindAPI:
		return fmt.Sprintf("API error: %d - %s", e.Status, e.Message)
	case KindParse:
		return "Failed to parse response: " + e.Message
	case KindAuth:
		return "Authentication failed: " + e.Message
	case KindTimeout:
		return fmt.Sprintf("Request timeout after %s", e.Timeout)
	case KindNotConfigured:
		return "Provider not configured: " + e.Message
	default:
		return e.Message
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Retryable reports whether a later identical call may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindHTTP, KindRateLimited, KindTimeout:
		return true
	case KindAPI:
		return e.Status >= 500
	default:
		return false
	}
}

func httpError(err error) *ProviderError {
	return &ProviderError{Kind: KindHTTP, Message: err.Error(), Err: err}
}

func rateLimited(retryAfter time.Duration) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func apiError(status int, message string) *ProviderError {
	return &ProviderError{Kind: KindAPI, Status: status, Message: message}
}

func parseError(err error) *ProviderError {
	return &ProviderError{Kind: KindParse, Message: err.Error(), Err: err}
}

func authError(message string) *ProviderError {
	return &ProviderError{Kind: KindAuth, Message: message}
}

func timeoutError(d time.Duration, err error) *ProviderError {
	return &ProviderError{Kind: KindTimeout, Timeout: d, Err: err}
}

// NotConfigured returns a KindNotConfigured error.
func NotConfigured(format string, args ...any) *ProviderError {
	return &ProviderError{Kind: KindNotConfigured, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a *ProviderError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
