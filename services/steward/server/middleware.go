// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/pkg/telemetry"
	"github.com/AleutianAI/steward/services/steward/engine"
)

// authInfoKey is the gin context key holding *extensions.AuthInfo.
const authInfoKey = "steward_auth_info"

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the caller stored by the auth middleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info
		}
	}
	return nil
}

// authMiddleware validates the bearer token with provider and records the
// caller as the audit actor.
//
// # Description
//
// The token is taken from "Authorization: Bearer <token>". A missing or
// malformed header yields an empty token, which NopAuthProvider accepts.
// On success the request context carries the caller's UserID as the actor
// written to audit events.
//
// # Thread Safety
//
// The returned handler is safe for concurrent use.
func authMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		SetAuthInfo(c, info)
		actor := engine.ActorAPI
		if info != nil && info.UserID != "" {
			actor = info.UserID
		}
		c.Request = c.Request.WithContext(engine.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// requireRole rejects callers without role. Must run after authMiddleware.
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil || !info.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from the Authorization header. The
// scheme is matched case-insensitively.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requestMiddleware logs each request and records it in metrics.
func requestMiddleware(logger *slog.Logger, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordRequest(c.Request.Context(), c.Request.Method, route, status, elapsed)

		telemetry.LoggerWithTrace(c.Request.Context(), logger).LogAttrs(c.Request.Context(), levelFor(status), "http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed))
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
