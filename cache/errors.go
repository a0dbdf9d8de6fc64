package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyExists is returned by Add when the key already holds a live entry.
	ErrAlreadyExists = errors.New("cache: entry already exists")

	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("cache: store closed")

	// ErrInvalidKey is returned when a key is empty or otherwise unusable.
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidTTL is returned when a duration argument is out of range for
	// the operation, such as a negative age bound for FetchInvalidating.
	ErrInvalidTTL = errors.New("cache: invalid ttl")

	// ErrMarshal is returned when value serialization fails.
	ErrMarshal = errors.New("cache: failed to marshal value")

	// ErrUnmarshal is returned when value deserialization or conversion fails.
	ErrUnmarshal = errors.New("cache: failed to unmarshal value")

	// ErrConnection is returned when a backend connection cannot be established.
	ErrConnection = errors.New("cache: backend connection failed")

	// ErrFetchFailed is returned by Fetch when every fetcher attempt failed and
	// no default value was configured. Use errors.As with *FetchError for the
	// attempt count and the last underlying cause.
	ErrFetchFailed = errors.New("cache: fetch failed")

	// ErrStoreFailed is returned by Fetch when the post-fetch store write failed
	// and Options.FailOnStoreError is set.
	ErrStoreFailed = errors.New("cache: store write failed")
)

// OpError wraps a failure with the operation and key it occurred on.
// It unwraps to the underlying sentinel so errors.Is keeps working.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Key: key, Err: err}
}

// FetchError reports an exhausted fetch: how many attempts ran and the last
// error the fetcher returned.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cache: fetch %q failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports a match for ErrFetchFailed so callers can test the kind without
// knowing the concrete type.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// BatchError aggregates per-key failures from FetchMany. Succeeded entries
// remain committed in the store; there is no rollback.
type BatchError struct {
	Failed    map[string]error
	Succeeded int
}

func (e *BatchError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	return fmt.Sprintf("cache: %d of %d fetches failed (keys: %s)",
		len(e.Failed), len(e.Failed)+e.Succeeded, strings.Join(keys, ", "))
}

func (e *BatchError) Is(target error) bool { return target == ErrFetchFailed }
