package domain

import "errors"

// Provider failures shared by the provider client and the session.
var (
	ErrMissingCredential = errors.New("provider credential is not configured")
	// ErrCredentialUnavailable marks a credential source that failed
	// transiently; the credential itself may well exist.
	ErrCredentialUnavailable = errors.New("provider credential could not be fetched")
	ErrSafetyBlocked     = errors.New("provider blocked the response for safety")
	ErrEmptyResponse     = errors.New("provider returned no text")
)

// ErrSessionNotFound is returned by session stores for an unknown id.
var ErrSessionNotFound = errors.New("session not found")
