package pipeline

import (
	"errors"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/warehouse"
	"github.com/Ramsey-B/fern/pkg/xero"
)

var (
	// ErrAuthExpired aliases the auth sentinel so trigger surfaces can
	// classify run failures without importing the auth package
	ErrAuthExpired = auth.ErrAuthExpired

	// ErrLockHeld means another run holds the pipeline's advisory lock
	ErrLockHeld = errors.New("pipeline lock held")

	// ErrPersistence wraps warehouse and cursor write failures
	ErrPersistence = errors.New("persistence failure")

	// ErrSkipThreshold means a batch skipped more records than the abort
	// threshold allows
	ErrSkipThreshold = errors.New("mapping error rate exceeded abort threshold")

	// ErrUnknownPipeline means the requested pipeline is not registered
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// Classify maps a run error to its taxonomy name for run logs and alerting.
// Unclassified errors return the empty string.
func Classify(err error) string {
	var transient *xero.TransientFetchError
	var nonTransient *xero.NonTransientFetchError
	var mapping *warehouse.MappingError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "AuthExpired"
	case errors.Is(err, ErrLockHeld):
		return "LockHeld"
	case errors.Is(err, ErrSkipThreshold):
		return "MappingError"
	case errors.As(err, &mapping):
		return "MappingError"
	case errors.As(err, &transient):
		return "TransientFetchError"
	case errors.As(err, &nonTransient):
		return "NonTransientFetchError"
	case errors.Is(err, ErrPersistence):
		return "PersistenceError"
	default:
		return ""
	}
}
