package mlat

import "errors"

// Error kinds per spec section 7. Per-message errors are counted and
// dropped silently; per-pair errors trigger a pair reset; per-receiver
// errors (sustained BadTick) drop the receiver. Nothing here is fatal to
// the process.
var (
	ErrBadTick           = errors.New("mlat: tick moved backward past wrap threshold")
	ErrBadMessage        = errors.New("mlat: unparsable or malformed message")
	ErrNoSyncPath        = errors.New("mlat: no clock-graph path within variance ceiling")
	ErrPoorGeometry      = errors.New("mlat: receiver geometry unsuitable for a fix")
	ErrNotConverged      = errors.New("mlat: solver did not converge in budget")
	ErrHighResidual      = errors.New("mlat: fix residual chi-square too high")
	ErrOutOfBounds       = errors.New("mlat: fix altitude or position out of bounds")
	ErrResourceExhausted = errors.New("mlat: queue or rate limit exceeded")
)
