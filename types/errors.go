package types

import "errors"

var (
	// ErrConcurrencyExceeded is returned when every scan slot is taken.
	// Nothing is mutated; the caller retries later.
	ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")

	// ErrDirectoryUnavailable is returned when the working directory cannot be created
	ErrDirectoryUnavailable = errors.New("working directory unavailable")

	// ErrLaunch is returned when the external tool cannot be started
	ErrLaunch = errors.New("launch failed")

	// ErrParse marks a malformed result file. It never aborts a scan.
	ErrParse = errors.New("malformed result file")

	// ErrDrainTimeout marks a scan whose residual ingestion did not finish in time
	ErrDrainTimeout = errors.New("drain timeout")

	// ErrNotFound is returned for unknown scan ids
	ErrNotFound = errors.New("not found")

	// ErrScanActive is returned when an operation requires a terminal scan
	ErrScanActive = errors.New("scan is still active")

	// ErrInvalidTransition is returned for a lifecycle regression
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)
