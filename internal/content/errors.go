package content

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPackage covers unreadable archives and invalid descriptors.
	ErrMalformedPackage = errors.New("malformed package")

	// ErrArchiveTooLarge is returned when an archive or an extracted file
	// exceeds the configured limits.
	ErrArchiveTooLarge = errors.New("archive too large")

	ErrMissingContent  = errors.New("missing content")
	ErrUnresolvedRoute = errors.New("unresolved route")

	// ErrRewriteTimeout and ErrSandboxFailure both also match ErrMalformedPackage.
	ErrRewriteTimeout = errors.New("rewrite timed out")
	ErrSandboxFailure = errors.New("sandbox failure")

	ErrStoreFailure = errors.New("store failure")

	// ErrNotFound is returned by Store getters for absent keys.
	ErrNotFound = errors.New("not found")
)

// MissingContentError names a manifest file absent from the archive.
type MissingContentError struct {
	File string
}

func (e *MissingContentError) Error() string {
	return fmt.Sprintf("missing content: %s is listed in the manifest but not in content/", e.File)
}

func (e *MissingContentError) Is(target error) bool {
	return target == ErrMissingContent
}

// UnresolvedRouteError names a route whose target has no stored content.
type UnresolvedRouteError struct {
	Path string
	File string
}

func (e *UnresolvedRouteError) Error() string {
	return fmt.Sprintf("unresolved route %s: no content stored for %s", e.Path, e.File)
}

func (e *UnresolvedRouteError) Is(target error) bool { return target == ErrUnresolvedRoute }

// StoreError wraps a failure of the key-value substrate.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }
