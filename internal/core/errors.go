package core

import "errors"

var (
	// ErrMalformedNotice is returned for unparseable or incomplete notices
	ErrMalformedNotice = errors.New("malformed notice")
	// ErrSourceUnavailable is returned when the CRM cannot be reached
	ErrSourceUnavailable = errors.New("activity source unavailable")
	// ErrDispatchFailed is returned when every delivery attempt failed
	ErrDispatchFailed = errors.New("notification dispatch failed")
	// ErrPermanentDelivery marks a delivery error that retrying cannot fix
	ErrPermanentDelivery = errors.New("permanent delivery error")
	// ErrStorage is returned when the event store cannot persist or read events
	ErrStorage = errors.New("event storage failure")
	// ErrCacheMiss is returned when the dedup cache has no live entry
	ErrCacheMiss = errors.New("cache entry not found")
	// ErrInvalidQuery is returned for malformed analytics parameters
	ErrInvalidQuery = errors.New("invalid query")
	// ErrEventNotFound is returned when an event id is unknown to the store
	ErrEventNotFound = errors.New("event not found")
)
