package types

import "errors"

// Domain error kinds. Validation failures are local to a single order: the
// order is rejected and the rest of the batch continues. Store failures
// during a fill surface as ErrPersistenceFailure after the fill transaction
// has rolled back, so no partial trade, position or balance state persists.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrAssetPriceUnavailable = errors.New("asset price unavailable")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderState     = errors.New("invalid order state")
	ErrPersistenceFailure    = errors.New("persistence failure")
)
