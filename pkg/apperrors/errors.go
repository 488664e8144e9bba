// Package apperrors defines the failure taxonomy shared across the pipeline
package apperrors

import "errors"

// Failure classes. Transport errors are recoverable and drive retry/backoff;
// venue rejections and risk rejections are terminal; drift is never
// auto-resolved and halts trading on the affected symbol.
var (
	ErrValidation       = errors.New("validation error")
	ErrRiskRejected     = errors.New("risk rejected")
	ErrTransport        = errors.New("transport error")
	ErrVenueRejected    = errors.New("venue rejected")
	ErrUnknownTimeout   = errors.New("unknown timeout")
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrOrderNotFound    = errors.New("order not found")
	ErrDuplicateFill    = errors.New("duplicate fill")
	ErrOverfill         = errors.New("fill exceeds requested quantity")
	ErrSymbolHalted     = errors.New("symbol halted")
	ErrPositionDrift    = errors.New("position drift")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrInsufficientCash = errors.New("insufficient cash")
)

// IsTransient reports whether an error should be retried with backoff
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsVenueRejection reports whether the venue rejected the request for a
// business reason. These are terminal immediately, no retry.
func IsVenueRejection(err error) bool {
	return errors.Is(err, ErrVenueRejected)
}

// IsDuplicateFill reports whether a fill was already applied to the ledger
func IsDuplicateFill(err error) bool {
	return errors.Is(err, ErrDuplicateFill)
}
