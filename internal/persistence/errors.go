package persistence

import "errors"

var (
	// ErrDuplicateID is returned by CreateTask when the task id is taken.
	// The table is left unchanged.
	ErrDuplicateID = errors.New("task id already exists")

	ErrNotFound = errors.New("task not found")

	// ErrMalformedInput covers unparseable task ids and execution times.
	ErrMalformedInput = errors.New("malformed input")

	// ErrStoreBusy is returned once the busy retry bound is exhausted.
	ErrStoreBusy = errors.New("store busy")
)
