package domain

import "errors"

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before it reaches storage.
	ErrValidation = errors.New("validation rejected")
	// ErrVersionConflict is returned when an optimistic write lost every retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnavailable is returned for work arriving after shutdown began.
	ErrUnavailable = errors.New("service unavailable")
	// ErrUpstreamDispatch wraps failures of the workflow engine call.
	ErrUpstreamDispatch = errors.New("upstream dispatch failed")
	// ErrUpstreamLookup wraps failures of the knowledge lookup.
	ErrUpstreamLookup = errors.New("upstream lookup failed")
)
