package positions

import "errors"

// Transient errors may be retried by the caller (callers outside this
// package own the retry loop; these sentinels only classify the failure).
// positionmgr retries them with a fresh blockhash, at most 3 attempts with
// a linear 2s delay; the hedge loop simply tries again on its next tick.
var (
	ErrRPCTimeout            = errors.New("rpc timeout")
	ErrBlockhashExpired      = errors.New("blockhash expired")
	ErrSendFailure           = errors.New("transaction send failure")
	ErrAggregatorUnavailable = errors.New("aggregator unavailable")
)

// Structural errors are not retried; the caller records them and, for
// insufficient balance, applies a cool-down window before trying again.
var (
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyClosed = errors.New("position already closed")
	ErrWrongProgramOwner     = errors.New("wrong program owner")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrInvalidRangeInterval  = errors.New("invalid range interval")
	ErrPositionQuarantined   = errors.New("position quarantined")
)

// Policy outcomes are not errors; they are normal control-flow values
// returned through a distinct type (see strategy.Action / strategy.Decision)
// rather than the error return, but are named here for completeness of the
// error taxonomy described in the design.
var (
	ErrHedgeDustBelowMinimum = errors.New("hedge size below minimum dust threshold")
)

// Fatal errors abort the process with a non-zero exit.
var (
	ErrPersistenceWriteFailure = errors.New("persistence write failure")
	ErrOperatorKeyMissing      = errors.New("operator key missing")
)

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrRPCTimeout),
		errors.Is(err, ErrBlockhashExpired),
		errors.Is(err, ErrSendFailure),
		errors.Is(err, ErrAggregatorUnavailable):
		return true
	default:
		return false
	}
}

// IsStructural reports whether err should be recorded and skipped rather
// than retried within the same tick.
func IsStructural(err error) bool {
	switch {
	case errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrPositionAlreadyClosed),
		errors.Is(err, ErrWrongProgramOwner),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrInvalidRangeInterval):
		return true
	default:
		return false
	}
}

// TreatAsClosedSuccess reports whether err on a close attempt should be
// treated as an idempotent success (the position is already gone on-chain).
func TreatAsClosedSuccess(err error) bool {
	return errors.Is(err, ErrPositionAlreadyClosed) || errors.Is(err, ErrWrongProgramOwner)
}
