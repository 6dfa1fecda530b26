package lending

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the engine wraps exactly one of them
// so callers can branch with errors.Is without matching messages.
var (
	// ErrInvariantViolation marks broken share/balance bookkeeping. The batch
	// that produced it is always discarded.
	ErrInvariantViolation = errors.New("lending engine: invariant violation")
	// ErrValidation marks a rejected request: disabled capability, stale data,
	// risk limits, locked or unknown positions.
	ErrValidation = errors.New("lending engine: validation failed")
	// ErrInsufficientFunds marks requests exceeding held shares or liquidity.
	ErrInsufficientFunds = errors.New("lending engine: insufficient funds")
)

var (
	errNilState = errors.New("lending engine: state not configured")

	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrInvariantViolation)
	ErrTokenMismatch       = fmt.Errorf("%w: token does not match position slot", ErrInvariantViolation)

	ErrInvalidAmount        = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrUnknownAsset         = fmt.Errorf("%w: asset not found", ErrValidation)
	ErrAssetExists          = fmt.Errorf("%w: asset already listed", ErrValidation)
	ErrUnknownAccount       = fmt.Errorf("%w: account not registered", ErrValidation)
	ErrAccountExists        = fmt.Errorf("%w: account already registered", ErrValidation)
	ErrUnknownPosition      = fmt.Errorf("%w: position not found", ErrValidation)
	ErrPositionExists       = fmt.Errorf("%w: position already exists", ErrValidation)
	ErrCapabilityDisabled   = fmt.Errorf("%w: asset capability disabled", ErrValidation)
	ErrMissingPrice         = fmt.Errorf("%w: missing price", ErrValidation)
	ErrStaleLPSnapshot      = fmt.Errorf("%w: lp token snapshot expired", ErrValidation)
	ErrSuppliedLimit        = fmt.Errorf("%w: supplied limit reached", ErrValidation)
	ErrBorrowedLimit        = fmt.Errorf("%w: borrowed limit reached", ErrValidation)
	ErrMinBorrowedAmount    = fmt.Errorf("%w: borrow below minimum amount", ErrValidation)
	ErrMaxNumAssets         = fmt.Errorf("%w: too many assets in account", ErrValidation)
	ErrUnhealthyPosition    = fmt.Errorf("%w: position would be liquidatable", ErrValidation)
	ErrNotLiquidatable      = fmt.Errorf("%w: account is not at risk", ErrValidation)
	ErrSelfLiquidation      = fmt.Errorf("%w: cannot liquidate own account", ErrValidation)
	ErrLiquidationTooSmall  = fmt.Errorf("%w: not enough balances repaid", ErrValidation)
	ErrLiquidationTooLarge  = fmt.Errorf("%w: liquidation would leave account healthy", ErrValidation)
	ErrDiscountNotDecreased = fmt.Errorf("%w: discount of liquidated account did not decrease", ErrValidation)
	ErrForceCloseDisabled   = fmt.Errorf("%w: force closing is not enabled", ErrValidation)
	ErrNotForceCloseable    = fmt.Errorf("%w: borrowed value does not exceed collateral value", ErrValidation)
	ErrZeroShares           = fmt.Errorf("%w: shares can't be zero", ErrValidation)
	ErrUnauthorized         = fmt.Errorf("%w: caller not authorized", ErrValidation)
	ErrUnknownTransfer      = fmt.Errorf("%w: unknown or settled transfer", ErrValidation)

	ErrIllegalPair             = fmt.Errorf("%w: illegal margin token pair", ErrValidation)
	ErrUnregisteredVenue       = fmt.Errorf("%w: swap venue not registered", ErrValidation)
	ErrLeverageTooHigh         = fmt.Errorf("%w: leverage rate is too high", ErrValidation)
	ErrDebtTooHigh             = fmt.Errorf("%w: debt is too much", ErrValidation)
	ErrSlippage                = fmt.Errorf("%w: minimum amount out is too low", ErrValidation)
	ErrPositionBusy            = fmt.Errorf("%w: position busy", ErrValidation)
	ErrPendingDebtOverflow     = fmt.Errorf("%w: pending debt will overflow", ErrValidation)
	ErrDebtNotCovered          = fmt.Errorf("%w: not all debt could be repaid", ErrValidation)
	ErrMTNotLiquidatable       = fmt.Errorf("%w: margin position is not liquidatable", ErrValidation)
	ErrMTNotForceCloseable     = fmt.Errorf("%w: margin position is not force-closeable", ErrValidation)
	ErrUnexpectedSwapReference = fmt.Errorf("%w: unexpected swap reference", ErrValidation)

	ErrInsufficientLiquidity = fmt.Errorf("%w: exceeds available amount", ErrInsufficientFunds)
	ErrInsufficientShares    = fmt.Errorf("%w: not enough shares", ErrInsufficientFunds)
)
