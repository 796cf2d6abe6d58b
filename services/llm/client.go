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
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Default request rate per provider client.
const (
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 5
)

// clientOptions holds the settings shared by the HTTP-backed providers.
type clientOptions struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures a provider client.
type ClientOption func(*clientOptions)

// WithBaseURL overrides the API base URL. A trailing slash is removed.
func WithBaseURL(u string) ClientOption {
	return func(o *clientOptions) {
		if u != "" {
			o.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithRateLimit sets the client-side request rate. rate.Inf disables
// limiting.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(o *clientOptions) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithClientLogger sets the client logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func newClientOptions(baseURL string, opts []ClientOption) clientOptions {
	o := clientOptions{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultBurst),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// wait blocks until the limiter admits one request.
func (o *clientOptions) wait(ctx context.Context) error {
	if err := o.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutError(0, err)
		}
		if ctx.Err() != nil {
			return httpError(ctx.Err())
		}
		// The limiter refuses waits that would outlive the deadline.
		return &ProviderError{Kind: KindRateLimited, Message: err.Error(), Err: err}
	}
	return nil
}

// requestContext applies cfg.Timeout to ctx.
func requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// transportError maps an http.Client error to a ProviderError.
func transportError(err error, timeout time.Duration) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(timeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError(timeout, err)
	}
	return httpError(err)
}

func validBaseURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
