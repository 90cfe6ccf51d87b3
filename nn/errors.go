package nn

import "errors"

// Error taxonomy. Every fallible operation returns an error wrapping one of
// these sentinels; callers classify with errors.Is.
var (
	// ErrInvalidArgument marks malformed input: nil datasets, inconsistent
	// dimensions, head counts that do not divide, bad sampler settings.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState marks misuse of a live network: re-entrant train/test,
	// inference on an uninitialized model, checkpoint tensor mismatches.
	ErrInvalidState = errors.New("invalid state")

	// ErrEmptyData marks datasets with zero usable rows or zero-length
	// sequences after span configuration.
	ErrEmptyData = errors.New("empty data")

	// ErrBuildFailed marks parameter stores whose shapes could not be
	// determined from the dataset.
	ErrBuildFailed = errors.New("build failed")

	// ErrInternal marks conditions the engine cannot recover from, such as
	// non-finite parameters after an update or an exhausted loss scale.
	ErrInternal = errors.New("internal error")
)
