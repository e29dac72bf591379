package jobs

import (
	"errors"
	"fmt"

	"github.com/rackoot/racky.app-sub003/internal/store"
)

// ErrNotFound re-exports the store sentinel so callers do not reach through.
var ErrNotFound = store.ErrNotFound

// ErrEmptyFilter rejects submissions whose effective filter can never match.
var ErrEmptyFilter = errors.New("filter excludes all products")

// ConflictError reports that an active job already holds the requested scope.
type ConflictError struct {
	ExistingJobID string
	Status        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active job %s (%s) already exists for scope", e.ExistingJobID, e.Status)
}
