package lending

import (
	"fmt"
	"math/big"
)

// PoolView is a share pool in wire form.
type PoolView struct {
	Shares  *big.Int `json:"shares"`
	Balance *big.Int `json:"balance"`
}

// AssetView reports an asset accrued to the query time.
type AssetView struct {
	Token             TokenID              `json:"token"`
	Supplied          PoolView             `json:"supplied"`
	Borrowed          PoolView             `json:"borrowed"`
	MarginDebt        PoolView             `json:"marginDebt"`
	MarginPendingDebt *big.Int             `json:"marginPendingDebt"`
	MarginPosition    *big.Int             `json:"marginPosition"`
	Reserved          *big.Int             `json:"reserved"`
	ProtocolFee       *big.Int             `json:"protocolFee"`
	BeneficiaryFees   map[AccountID]string `json:"beneficiaryFees,omitempty"`
	Utilization       string               `json:"utilization"`
	BorrowAPR         string               `json:"borrowApr"`
	SupplyAPR         string               `json:"supplyApr"`
	MarginDebtAPR     string               `json:"marginDebtApr"`
	LastUpdate        uint64               `json:"lastUpdateTimestamp"`
	Config            AssetConfig          `json:"config"`
}

// BalanceView is a share balance with its current token amount.
type BalanceView struct {
	Token   TokenID  `json:"token"`
	Shares  *big.Int `json:"shares"`
	Balance *big.Int `json:"balance"`
	APR     string   `json:"apr,omitempty"`
}

// PositionView is a regular or LP position.
type PositionView struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Collateral []BalanceView `json:"collateral"`
	Borrowed   []BalanceView `json:"borrowed"`
	// Discount is the liquidation discount when prices were supplied.
	Discount string `json:"discount,omitempty"`
}

// AccountView reports a regular account.
type AccountView struct {
	ID        AccountID      `json:"id"`
	Supplied  []BalanceView  `json:"supplied"`
	Positions []PositionView `json:"positions"`
}

// MarginPositionView reports a margin position.
type MarginPositionView struct {
	ID             string   `json:"id"`
	OpenTimestamp  uint64   `json:"openTimestamp"`
	State          string   `json:"state"`
	MarginAsset    TokenID  `json:"marginAsset"`
	MarginShares   *big.Int `json:"marginShares"`
	MarginBalance  *big.Int `json:"marginBalance"`
	DebtAsset      TokenID  `json:"debtAsset"`
	DebtShares     *big.Int `json:"debtShares"`
	DebtBalance    *big.Int `json:"debtBalance"`
	PositionAsset  TokenID  `json:"positionAsset"`
	PositionAmount *big.Int `json:"positionAmount"`
	DebtCap        *big.Int `json:"debtCap"`
	HoldingFee     *big.Int `json:"holdingFee"`
	PendingOp      string   `json:"pendingOp,omitempty"`
	Leverage       string   `json:"leverage,omitempty"`
	Liquidatable   *bool    `json:"liquidatable,omitempty"`
}

// MarginAccountView reports a margin account.
type MarginAccountView struct {
	ID        AccountID            `json:"id"`
	Supplied  []BalanceView        `json:"supplied"`
	Positions []MarginPositionView `json:"positions"`
}

// Asset returns the view of a listed asset.
func (e *Engine) Asset(token TokenID) (*AssetView, error) {
	var view *AssetView
	err := e.read(nil, func(b *batch) error {
		asset, err := b.assets.Get(token)
		if err != nil {
			return err
		}
		view = b.assetView(asset)
		return nil
	})
	return view, err
}

// Assets returns views of every listed asset sorted by token.
func (e *Engine) Assets() ([]*AssetView, error) {
	var views []*AssetView
	err := e.read(nil, func(b *batch) error {
		tokens, err := e.state.AssetIDs()
		if err != nil {
			return err
		}
		for _, token := range tokens {
			asset, err := b.assets.Get(token)
			if err != nil {
				return err
			}
			views = append(views, b.assetView(asset))
		}
		return nil
	})
	return views, err
}

func (b *batch) assetView(a *Asset) *AssetView {
	view := &AssetView{
		Token:             a.Token,
		Supplied:          PoolView{Shares: cloneBig(a.Supplied.Shares), Balance: cloneBig(a.Supplied.Balance)},
		Borrowed:          PoolView{Shares: cloneBig(a.Borrowed.Shares), Balance: cloneBig(a.Borrowed.Balance)},
		MarginDebt:        PoolView{Shares: cloneBig(a.MarginDebt.Shares), Balance: cloneBig(a.MarginDebt.Balance)},
		MarginPendingDebt: cloneBig(a.MarginPendingDebt),
		MarginPosition:    cloneBig(a.MarginPosition),
		Reserved:          cloneBig(a.Reserved),
		ProtocolFee:       cloneBig(a.ProtocolFee),
		Utilization:       a.Utilization().String(),
		BorrowAPR:         a.BorrowAPR().String(),
		SupplyAPR:         a.SupplyAPR().String(),
		MarginDebtAPR:     a.MarginDebtAPR(b.cfg.Margin.MarginDebtDiscountRate).String(),
		LastUpdate:        a.LastUpdateTimestamp,
		Config:            a.Config.Clone(),
	}
	if len(a.BeneficiaryFees) > 0 {
		view.BeneficiaryFees = make(map[AccountID]string, len(a.BeneficiaryFees))
		for id, fee := range a.BeneficiaryFees {
			view.BeneficiaryFees[id] = fee.String()
		}
	}
	return view
}

// Account returns the view of a regular account. With prices each
// position also reports its liquidation discount.
func (e *Engine) Account(id AccountID, prices *Prices) (*AccountView, error) {
	var view *AccountView
	err := e.read(prices, func(b *batch) error {
		acc, err := b.account(id)
		if err != nil {
			return err
		}
		view = &AccountView{ID: acc.ID}
		if view.Supplied, err = b.supplyViews(acc); err != nil {
			return err
		}
		for _, name := range acc.PositionNames() {
			position := acc.Positions[name]
			pv := PositionView{Name: name, Kind: position.Kind().String()}
			for _, entry := range position.CollateralEntries() {
				asset, err := b.assets.Get(entry.Token)
				if err != nil {
					return err
				}
				pv.Collateral = append(pv.Collateral, BalanceView{Token: entry.Token, Shares: entry.Shares, Balance: asset.Supplied.SharesToAmount(entry.Shares, false)})
			}
			for _, entry := range position.BorrowedEntries() {
				asset, err := b.assets.Get(entry.Token)
				if err != nil {
					return err
				}
				pv.Borrowed = append(pv.Borrowed, BalanceView{
					Token:   entry.Token,
					Shares:  entry.Shares,
					Balance: asset.Borrowed.SharesToAmount(entry.Shares, true),
					APR:     asset.BorrowAPR().String(),
				})
			}
			if prices.Len() > 0 {
				if discount, err := b.risk().maxDiscount(position, 0); err == nil {
					pv.Discount = discount.String()
				}
			}
			view.Positions = append(view.Positions, pv)
		}
		return nil
	})
	return view, err
}

func (b *batch) supplyViews(acc *Account) ([]BalanceView, error) {
	var out []BalanceView
	for _, token := range sortedKeys(acc.Supplied) {
		asset, err := b.assets.Get(token)
		if err != nil {
			return nil, err
		}
		shares := acc.FreeShares(token)
		out = append(out, BalanceView{
			Token:   token,
			Shares:  shares,
			Balance: asset.Supplied.SharesToAmount(shares, false),
			APR:     asset.SupplyAPR().String(),
		})
	}
	return out, nil
}

// MarginAccount returns the view of a margin account. With prices each
// position also reports leverage and liquidation status.
func (e *Engine) MarginAccount(id AccountID, prices *Prices) (*MarginAccountView, error) {
	var view *MarginAccountView
	err := e.read(prices, func(b *batch) error {
		acc, err := b.marginAccount(id, false)
		if err != nil {
			return err
		}
		view = &MarginAccountView{ID: acc.ID}
		if view.Supplied, err = b.supplyViews(acc); err != nil {
			return err
		}
		for _, name := range acc.PositionNames() {
			mt, err := acc.MarginPosition(name)
			if err != nil {
				return err
			}
			pv, err := b.marginPositionView(mt)
			if err != nil {
				return err
			}
			view.Positions = append(view.Positions, pv)
		}
		return nil
	})
	return view, err
}

func (b *batch) marginPositionView(mt *MarginTradingPosition) (MarginPositionView, error) {
	assetC, err := b.assets.Get(mt.MarginAsset)
	if err != nil {
		return MarginPositionView{}, err
	}
	assetD, err := b.assets.Get(mt.DebtAsset)
	if err != nil {
		return MarginPositionView{}, err
	}
	pv := MarginPositionView{
		ID:             mt.ID,
		OpenTimestamp:  mt.OpenTimestamp,
		State:          mt.State.String(),
		MarginAsset:    mt.MarginAsset,
		MarginShares:   cloneBig(mt.MarginShares),
		MarginBalance:  assetC.Supplied.SharesToAmount(mt.MarginShares, false),
		DebtAsset:      mt.DebtAsset,
		DebtShares:     cloneBig(mt.DebtShares),
		DebtBalance:    assetD.MarginDebt.SharesToAmount(mt.DebtShares, true),
		PositionAsset:  mt.PositionAsset,
		PositionAmount: cloneBig(mt.PositionAmount),
		DebtCap:        cloneBig(mt.DebtCap),
		HoldingFee:     holdingFee(mt, assetD),
	}
	if mt.Pending != nil {
		pv.PendingOp = string(mt.Pending.Ref.Op)
	}
	if b.prices.Len() > 0 && !mt.IsLocked() {
		risk := b.risk()
		if leverage, ok, err := risk.marginLeverage(mt); err == nil && ok {
			pv.Leverage = leverage.String()
		}
		if liquidatable, err := risk.marginLiquidatable(mt, b.cfg.Margin.MinSafetyBuffer); err == nil {
			pv.Liquidatable = &liquidatable
		}
	}
	return pv, nil
}

// ProtocolDebts returns the outstanding protocol debt per token.
func (e *Engine) ProtocolDebts() (map[TokenID]*big.Int, error) {
	out := make(map[TokenID]*big.Int)
	err := e.read(nil, func(b *batch) error {
		debts, err := b.protocolDebts()
		if err != nil {
			return err
		}
		for token, amount := range debts {
			out[token] = cloneBig(amount)
		}
		return nil
	})
	return out, err
}

// PendingTransfer returns an unsettled outbound transfer.
func (e *Engine) PendingTransfer(id string) (*TransferRequest, error) {
	var req *TransferRequest
	err := e.read(nil, func(b *batch) error {
		stored, err := e.state.GetPendingTransfer(id)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
		}
		req = stored.Clone()
		return nil
	})
	return req, err
}
