package memory

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Messages built on top of these carry identifiers and error
// kinds only, never memory content.
var (
	// ErrInvalidInput reports malformed text, tags, metadata or parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrContentTooLarge reports text above the configured bound.
	ErrContentTooLarge = errors.New("content too large")

	// ErrTamperedOrCorrupted reports a decryption or integrity failure.
	ErrTamperedOrCorrupted = errors.New("tampered or corrupted data")

	// ErrPartialWrite reports a cross-store inconsistency during a write.
	ErrPartialWrite = errors.New("partial write failure")

	// ErrBackendUnavailable reports an unreachable embedding or storage
	// backend. Callers may retry with backoff.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("memory not found")

	// ErrDuplicateID reports a Put for an ID that already exists.
	ErrDuplicateID = errors.New("duplicate memory id")

	// ErrDimensionMismatch reports a vector whose size differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStopScan can be returned from a Scan callback to stop early.
	ErrStopScan = errors.New("stop scan")
)

var knownErrors = []error{
	ErrInvalidInput,
	ErrContentTooLarge,
	ErrTamperedOrCorrupted,
	ErrPartialWrite,
	ErrBackendUnavailable,
	ErrNotFound,
	ErrDuplicateID,
	ErrDimensionMismatch,
}

// Unavailable wraps err with ErrBackendUnavailable unless it already carries
// one of the package error kinds.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// invalidf builds an ErrInvalidInput error.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// isContextErr reports cancellation or deadline expiry.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
