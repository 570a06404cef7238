package box

import "github.com/slicebox/slicebox/internal/xerr"

// errConflict returns the error used for unique-constraint violations:
// duplicate box names, duplicate (transactionId, sequenceNumber) pairs.
// Surfaced to callers as a typed validation error so it maps to a 4xx,
// never treated as a retryable condition.
func errConflict(msg string) error {
	return xerr.Validation("%s", msg)
}

func errNotFound(msg string) error {
	return xerr.Validation("%s", msg)
}
