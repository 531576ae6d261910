package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrVersionConflict indicates an optimistic write lost the race; the caller
// must re-read and retry or abort. Never retried silently inside the registry.
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrActiveRunExists indicates an instance already holds a pending or running
// remediation run.
var ErrActiveRunExists = errors.New("repository: active remediation run exists")
