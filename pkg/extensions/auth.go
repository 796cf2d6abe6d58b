// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap it with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after authentication.
//
// UserID is always populated; it becomes the Actor of audit events.
type AuthInfo struct {
	UserID string
	Roles  []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates API tokens and returns the caller's identity.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks token and returns the identity it belongs to.
	//
	// Returns an error wrapping ErrUnauthorized for an invalid token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user.
//
// This is the default for a server bound to localhost.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

// StaticTokenAuthProvider accepts exactly one shared bearer token.
type StaticTokenAuthProvider struct {
	// Token is the expected bearer token; it must be non-empty.
	Token string

	// UserID is reported for authenticated callers. Default: "api".
	UserID string
}

// Validate compares token in constant time.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.Token == "" {
		return nil, fmt.Errorf("no API token configured: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.Token)) != 1 {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	user := p.UserID
	if user == "" {
		user = "api"
	}
	return &AuthInfo{UserID: user, Roles: []string{"evaluator"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
