package models

import "errors"

var (
	// ErrIdentity is returned when an anonymous identity could not be acquired.
	ErrIdentity = errors.New("identity unavailable")

	// ErrSessionCreate is returned when a chat session could not be started.
	ErrSessionCreate = errors.New("chat session could not be started")

	// ErrRemoteSync is returned when a write to a remote store failed.
	ErrRemoteSync = errors.New("remote sync failed")

	// ErrItemNotFound is returned when an item key is not known.
	ErrItemNotFound = errors.New("item not found")
)
