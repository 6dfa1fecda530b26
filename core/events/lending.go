package events

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	TypeLendingDeposit         = "lending.deposit"
	TypeLendingWithdrawStarted = "lending.withdraw.started"
	TypeLendingTransferSettled = "lending.transfer.settled"
	TypeLendingPositionChange  = "lending.position.changed"
	TypeLendingLiquidation     = "lending.liquidation"
	TypeLendingForceClose      = "lending.force_close"
	TypeLendingProtocolDebt    = "lending.protocol_debt"
	TypeLendingReserveDeposit  = "lending.reserve.deposit"
	TypeLendingFeeClaim        = "lending.fee.claimed"
	TypeMarginSwapStarted      = "lending.margin.swap.started"
	TypeMarginSwapSettled      = "lending.margin.swap.settled"
	// TypeShareDelta reports per-account share movements for reward
	// accounting.
	TypeShareDelta = "lending.share.delta"
)

type LendingDeposit struct {
	Account string
	Token   string
	Amount  *big.Int
	Margin  bool
}

func (LendingDeposit) EventType() string { return TypeLendingDeposit }

func (e LendingDeposit) Record() *Record {
	return &Record{Type: TypeLendingDeposit, Attributes: map[string]string{
		"account": strings.TrimSpace(e.Account),
		"token":   strings.TrimSpace(e.Token),
		"amount":  formatAmount(e.Amount),
		"margin":  formatBool(e.Margin),
	}}
}

type LendingWithdrawStarted struct {
	TransferID string
	Account    string
	Token      string
	Source     string
	Amount     *big.Int
}

func (LendingWithdrawStarted) EventType() string { return TypeLendingWithdrawStarted }

func (e LendingWithdrawStarted) Record() *Record {
	return &Record{Type: TypeLendingWithdrawStarted, Attributes: map[string]string{
		"transferId": e.TransferID,
		"account":    strings.TrimSpace(e.Account),
		"token":      strings.TrimSpace(e.Token),
		"source":     e.Source,
		"amount":     formatAmount(e.Amount),
	}}
}

type LendingTransferSettled struct {
	TransferID string
	Account    string
	Token      string
	Amount     *big.Int
	Success    bool
}

func (LendingTransferSettled) EventType() string { return TypeLendingTransferSettled }

func (e LendingTransferSettled) Record() *Record {
	return &Record{Type: TypeLendingTransferSettled, Attributes: map[string]string{
		"transferId": e.TransferID,
		"account":    strings.TrimSpace(e.Account),
		"token":      strings.TrimSpace(e.Token),
		"amount":     formatAmount(e.Amount),
		"success":    formatBool(e.Success),
	}}
}

// LendingPositionChange covers collateral and debt movements of regular and
// LP positions.
type LendingPositionChange struct {
	Kind     string
	Account  string
	Position string
	Token    string
	Amount   *big.Int
}

func (LendingPositionChange) EventType() string { return TypeLendingPositionChange }

func (e LendingPositionChange) Record() *Record {
	return &Record{Type: TypeLendingPositionChange, Attributes: map[string]string{
		"kind":     e.Kind,
		"account":  strings.TrimSpace(e.Account),
		"position": e.Position,
		"token":    strings.TrimSpace(e.Token),
		"amount":   formatAmount(e.Amount),
	}}
}

// LendingLiquidation carries values as decimal strings.
type LendingLiquidation struct {
	Liquidator      string
	Account         string
	Position        string
	CollateralValue string
	RepaidValue     string
	OldDiscount     string
	NewDiscount     string
}

func (LendingLiquidation) EventType() string { return TypeLendingLiquidation }

func (e LendingLiquidation) Record() *Record {
	return &Record{Type: TypeLendingLiquidation, Attributes: map[string]string{
		"liquidator":      strings.TrimSpace(e.Liquidator),
		"account":         strings.TrimSpace(e.Account),
		"position":        e.Position,
		"collateralValue": e.CollateralValue,
		"repaidValue":     e.RepaidValue,
		"oldDiscount":     e.OldDiscount,
		"newDiscount":     e.NewDiscount,
	}}
}

type LendingForceClose struct {
	Account         string
	Position        string
	CollateralValue string
	BorrowedValue   string
	Discount        string
}

func (LendingForceClose) EventType() string { return TypeLendingForceClose }

func (e LendingForceClose) Record() *Record {
	return &Record{Type: TypeLendingForceClose, Attributes: map[string]string{
		"account":         strings.TrimSpace(e.Account),
		"position":        e.Position,
		"collateralValue": e.CollateralValue,
		"borrowedValue":   e.BorrowedValue,
		"discount":        e.Discount,
	}}
}

// LendingProtocolDebt is emitted when bad debt is booked and, with Repaid
// set, when a reserve deposit settles it.
type LendingProtocolDebt struct {
	Token  string
	Amount *big.Int
	Total  *big.Int
	Repaid bool
}

func (LendingProtocolDebt) EventType() string { return TypeLendingProtocolDebt }

func (e LendingProtocolDebt) Record() *Record {
	return &Record{Type: TypeLendingProtocolDebt, Attributes: map[string]string{
		"token":  strings.TrimSpace(e.Token),
		"amount": formatAmount(e.Amount),
		"total":  formatAmount(e.Total),
		"repaid": formatBool(e.Repaid),
	}}
}

type LendingReserveDeposit struct {
	Token      string
	Amount     *big.Int
	DebtRepaid *big.Int
}

func (LendingReserveDeposit) EventType() string { return TypeLendingReserveDeposit }

func (e LendingReserveDeposit) Record() *Record {
	return &Record{Type: TypeLendingReserveDeposit, Attributes: map[string]string{
		"token":      strings.TrimSpace(e.Token),
		"amount":     formatAmount(e.Amount),
		"debtRepaid": formatAmount(e.DebtRepaid),
	}}
}

type LendingFeeClaim struct {
	Account string
	Token   string
	Amount  *big.Int
	Kind    string
}

func (LendingFeeClaim) EventType() string { return TypeLendingFeeClaim }

func (e LendingFeeClaim) Record() *Record {
	return &Record{Type: TypeLendingFeeClaim, Attributes: map[string]string{
		"account": strings.TrimSpace(e.Account),
		"token":   strings.TrimSpace(e.Token),
		"amount":  formatAmount(e.Amount),
		"kind":    e.Kind,
	}}
}

type MarginSwapStarted struct {
	Account    string
	Position   string
	Op         string
	TokenIn    string
	AmountIn   *big.Int
	TokenOut   string
	Liquidator string
}

func (MarginSwapStarted) EventType() string { return TypeMarginSwapStarted }

func (e MarginSwapStarted) Record() *Record {
	attrs := map[string]string{
		"account":  strings.TrimSpace(e.Account),
		"position": e.Position,
		"op":       e.Op,
		"tokenIn":  strings.TrimSpace(e.TokenIn),
		"amountIn": formatAmount(e.AmountIn),
		"tokenOut": strings.TrimSpace(e.TokenOut),
	}
	setIf(attrs, "liquidator", e.Liquidator)
	return &Record{Type: TypeMarginSwapStarted, Attributes: attrs}
}

type MarginSwapSettled struct {
	Account    string
	Position   string
	Op         string
	Success    bool
	AmountOut  *big.Int
	Fee        *big.Int
	Settled    bool
	Liquidator string
}

func (MarginSwapSettled) EventType() string { return TypeMarginSwapSettled }

func (e MarginSwapSettled) Record() *Record {
	attrs := map[string]string{
		"account":  strings.TrimSpace(e.Account),
		"position": e.Position,
		"op":       e.Op,
		"success":  formatBool(e.Success),
		"settled":  formatBool(e.Settled),
	}
	if e.AmountOut != nil {
		attrs["amountOut"] = e.AmountOut.String()
	}
	if e.Fee != nil {
		attrs["fee"] = e.Fee.String()
	}
	setIf(attrs, "liquidator", e.Liquidator)
	return &Record{Type: TypeMarginSwapSettled, Attributes: attrs}
}

// ShareDelta reports the change of an account's supplied and borrowed
// shares in one token over a committed batch.
type ShareDelta struct {
	Account       string
	Token         string
	Margin        bool
	SuppliedDelta *big.Int
	BorrowedDelta *big.Int
	Supplied      *big.Int
	Borrowed      *big.Int
	Timestamp     uint64
}

func (ShareDelta) EventType() string { return TypeShareDelta }

func (e ShareDelta) Record() *Record {
	return &Record{Type: TypeShareDelta, Attributes: map[string]string{
		"account":       strings.TrimSpace(e.Account),
		"token":         strings.TrimSpace(e.Token),
		"margin":        formatBool(e.Margin),
		"suppliedDelta": formatAmount(e.SuppliedDelta),
		"borrowedDelta": formatAmount(e.BorrowedDelta),
		"supplied":      formatAmount(e.Supplied),
		"borrowed":      formatAmount(e.Borrowed),
		"timestamp":     strconv.FormatUint(e.Timestamp, 10),
	}}
}
