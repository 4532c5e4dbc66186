package vectorengine

import (
	"errors"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/persistence"
)

// The error taxonomy, by failure class:
//
//   - Configuration: invalid k/ef/M, dimension mismatch. Surfaced to
//     the caller, never retried.
//   - IO: open/read/write/rename failures, wrapped os errors.
//   - Format: magic/version/header inconsistencies. Fatal at load.
//   - Checksum: body CRC32 does not match the header. Fatal at load.
//   - Resource limits: N or D beyond the sanity caps. Fatal at load.
//   - Build poison: non-finite vector component during insertion.
//
// The engine retries nothing; transient conditions inside a search
// (empty candidate pool, node without neighbors on a layer) are not
// errors and produce partial but correct results.

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = index.ErrInvalidK

	// ErrInvalidEF is returned when ef < k.
	ErrInvalidEF = index.ErrInvalidEF

	// ErrInvalidMagic is returned when a file is not an index file.
	ErrInvalidMagic = persistence.ErrInvalidMagic

	// ErrInvalidVersion is returned for unsupported format versions.
	ErrInvalidVersion = persistence.ErrInvalidVersion

	// ErrFormat is returned when header fields are inconsistent.
	ErrFormat = persistence.ErrFormat

	// ErrResourceLimit is returned when a file exceeds the sanity caps.
	ErrResourceLimit = persistence.ErrResourceLimit
)

// DimensionMismatchError reports a vector or query whose length does
// not match the index dimension.
type DimensionMismatchError = index.ErrDimensionMismatch

// NonFiniteVectorError reports a NaN or Inf component during insertion.
type NonFiniteVectorError = index.ErrNonFiniteVector

// ChecksumMismatchError reports a corrupted index file body.
type ChecksumMismatchError = persistence.ChecksumMismatchError

// IsConfigError reports whether err is a rejected-request error:
// invalid k/ef/M or a dimension mismatch.
func IsConfigError(err error) bool {
	if errors.Is(err, ErrInvalidK) || errors.Is(err, ErrInvalidEF) || errors.Is(err, index.ErrEmptyVector) {
		return true
	}
	var dm *index.ErrDimensionMismatch
	var im *index.ErrInvalidM
	return errors.As(err, &dm) || errors.As(err, &im)
}

// IsFormatError reports whether err indicates a structurally invalid
// index file (bad magic, version, or inconsistent header).
func IsFormatError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrInvalidVersion) ||
		errors.Is(err, ErrFormat)
}

// IsChecksumMismatch reports whether err is a body corruption error.
func IsChecksumMismatch(err error) bool {
	var cm *persistence.ChecksumMismatchError
	return errors.As(err, &cm)
}
