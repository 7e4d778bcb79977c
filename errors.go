package bamcache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrNotCacheable is returned by Lookup when the cache is inactive or the
	// source already lives inside the cache root. Callers load normally and
	// skip Store.
	ErrNotCacheable = errors.New("not cacheable")

	// ErrSlotsExhausted is returned when every collision probe slot for a
	// source belongs to some other source.
	ErrSlotsExhausted = errors.New("cache slots exhausted")

	// ErrRecordIncomplete is returned by Store for a record without a cache
	// pathname or without data.
	ErrRecordIncomplete = errors.New("record is incomplete")

	// ErrOutsideRoot is returned by Store when the record's cache pathname is
	// not under the cache root.
	ErrOutsideRoot = errors.New("cache pathname is outside cache root")

	// ErrReadOnly is returned by Store once the cache has been put into
	// read-only mode.
	ErrReadOnly = errors.New("cache is read-only")

	// ErrNoRoot is returned by operations that need a cache root when none is set.
	ErrNoRoot = errors.New("cache root not set")

	// ErrNotCacheFile is returned when a file does not start with BamHeader.
	ErrNotCacheFile = errors.New("not a cache file")

	// ErrUnknownType is returned for objects whose type is not registered
	// with the codec.
	ErrUnknownType = errors.New("unknown object type")

	// errIndexSuperseded signals that another writer replaced the index
	// reference while we were flushing.
	errIndexSuperseded = errors.New("index superseded by another writer")
)

// ValidationError collects every problem found while validating a Config.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "validation failed with %d errors:\n", len(ve.Errors))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// newValidationError creates a ValidationError from a slice of errors.
// Returns nil if the slice is empty.
func newValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
