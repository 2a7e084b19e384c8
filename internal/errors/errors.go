package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredential = errors.New("credential and role are required")
	ErrUnknownActionType = errors.New("unknown sync action type")
	ErrActionNotFound    = errors.New("sync action not found")
)

// Durability errors. Surfaced to enqueue callers; losing one of these
// silently would drop an action the user believes is queued.
var (
	ErrPersist = errors.New("persisting sync action failed")
)

// Delivery/transport errors.
var (
	ErrNoHandler   = errors.New("no delivery handler registered")
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
