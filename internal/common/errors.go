// Package common defines shared constants and sentinel errors used across
// client and server layers of iplchat. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Auth errors.
	ErrInvalidPassword  = errors.New("invalid password")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRateLimited      = errors.New("rate limited")

	// Broker/state errors.
	ErrNoSession     = errors.New("no session for stream")
	ErrNoSessionKey  = errors.New("session key not established")
	ErrTargetOffline = errors.New("target not connected")
	ErrNotSubscribed = errors.New("not subscribed to channel")

	// Protocol errors.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrPayloadTooLarge  = errors.New("payload too large")

	// Crypto errors.
	ErrDecryptFailed = errors.New("decryption failed")
	ErrBadSignature  = errors.New("signature verification failed")
)
