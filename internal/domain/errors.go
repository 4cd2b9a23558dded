package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable wraps every infrastructure failure coming out of a
	// store adapter. Heartbeats and subscriptions retry it; the message path
	// surfaces it to the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidContent rejects empty, whitespace-only or oversized messages.
	ErrInvalidContent = errors.New("invalid message content")

	// ErrSessionNotStarted is returned by a chat session that is not Active.
	ErrSessionNotStarted = errors.New("session not started")

	// ErrConflictingCreate reports a lost race while creating the same
	// conversation; the directory retries resolve once.
	ErrConflictingCreate = errors.New("conflicting conversation create")

	ErrRateLimited = errors.New("rate limited")
)
