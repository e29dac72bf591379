package connectors

import (
	"context"
	"errors"

	"github.com/rackoot/racky.app-sub003/internal/filter"
)

// External collaborators. Both are assumed to fail transiently; retries run
// under the lifecycle manager's attempt budget, never hidden inside the
// connector.

// Item is one catalog entry exchanged with a marketplace.
type Item struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Marketplace is the catalog connector boundary.
type Marketplace interface {
	// ListProductIDs resolves the candidate ids matching a filter.
	ListProductIDs(ctx context.Context, connectionID string, f filter.Normalized) ([]string, error)
	// FetchItems loads current item data for a batch of ids.
	FetchItems(ctx context.Context, connectionID string, ids []string) ([]Item, error)
	// ApplyUpdate writes one item back to the marketplace.
	ApplyUpdate(ctx context.Context, connectionID string, item Item) error
}

// TextGenerator is the AI content-generation boundary.
type TextGenerator interface {
	// Generate returns optimized text and a confidence score in [0,1].
	Generate(ctx context.Context, prompt string) (text string, confidence float64, err error)
}

// FatalError marks a collaborator failure that must not be retried, such as
// an authentication failure or corrupt data.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps an error as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether an error chain contains a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
