package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
)

// TransferSource records which balance funded an outbound transfer, so a
// failed transfer can be re-credited to the same place.
type TransferSource string

const (
	SourceSupply      TransferSource = "supply"
	SourceMargin      TransferSource = "margin"
	SourceBeneficiary TransferSource = "beneficiary"
	SourceProtocolFee TransferSource = "protocol_fee"
)

// TransferRequest is an outbound token transfer awaiting its result.
type TransferRequest struct {
	ID      string         `json:"id"`
	Account AccountID      `json:"account"`
	Token   TokenID        `json:"token"`
	Source  TransferSource `json:"source"`
	// Amount is the inner amount debited from the protocol.
	Amount *big.Int `json:"amount"`
	// ExternalAmount is Amount scaled down to token units.
	ExternalAmount *big.Int `json:"externalAmount"`
	CreatedAt      uint64   `json:"createdAt"`
}

// Clone returns a deep copy of the request.
func (t *TransferRequest) Clone() *TransferRequest {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBig(t.Amount)
	clone.ExternalAmount = cloneBig(t.ExternalAmount)
	return &clone
}

// queueTransfer stages an outbound transfer. The inner remainder below one
// external unit stays with the protocol reserve.
func (b *batch) queueTransfer(account AccountID, asset *Asset, amount *big.Int, source TransferSource) (*TransferRequest, error) {
	external := asset.ToExternal(amount)
	if external.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer below one token unit", ErrInvalidAmount)
	}
	sent := asset.ToInner(external)
	if dust := new(big.Int).Sub(amount, sent); dust.Sign() > 0 {
		asset.Reserved.Add(asset.Reserved, dust)
		b.assets.dirty[asset.Token] = struct{}{}
	}
	req := &TransferRequest{
		ID:             b.engine.newID(),
		Account:        account,
		Token:          asset.Token,
		Source:         source,
		Amount:         sent,
		ExternalAmount: external,
		CreatedAt:      b.now,
	}
	b.transfers[req.ID] = req
	b.outTransfers = append(b.outTransfers, req)
	b.emit(events.LendingWithdrawStarted{
		TransferID: req.ID,
		Account:    string(account),
		Token:      string(asset.Token),
		Source:     string(source),
		Amount:     cloneBig(external),
	})
	return req, nil
}

// OnTransferResult settles an outbound transfer. A failed transfer is
// re-credited to the balance that funded it. Each id settles once.
func (e *Engine) OnTransferResult(ctx context.Context, id string, success bool) error {
	return e.run(ctx, "transfer_result", nil, func(b *batch) error {
		req, err := e.state.GetPendingTransfer(id)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
		}
		b.deletedTransfers[id] = struct{}{}
		outcome := "success"
		if !success {
			outcome = "failure"
			if err := b.recredit(req); err != nil {
				return err
			}
		}
		if e.metrics != nil {
			e.metrics.RecordSettlement("transfer", outcome)
		}
		b.emit(events.LendingTransferSettled{
			TransferID: id,
			Account:    string(req.Account),
			Token:      string(req.Token),
			Amount:     cloneBig(req.ExternalAmount),
			Success:    success,
		})
		return nil
	})
}

func (b *batch) recredit(req *TransferRequest) error {
	asset, err := b.assets.Mut(req.Token)
	if err != nil {
		return err
	}
	switch req.Source {
	case SourceBeneficiary:
		fee := bigOrZero(asset.BeneficiaryFees[req.Account])
		asset.BeneficiaryFees[req.Account] = new(big.Int).Add(fee, req.Amount)
		return nil
	case SourceProtocolFee:
		asset.ProtocolFee.Add(asset.ProtocolFee, req.Amount)
		return nil
	}
	var acc *Account
	if req.Source == SourceMargin {
		acc, err = b.marginAccount(req.Account, true)
	} else {
		acc, err = b.account(req.Account)
	}
	if err != nil {
		return err
	}
	shares := asset.Supplied.AmountToShares(req.Amount, false)
	if err := asset.Supplied.Deposit(shares, req.Amount); err != nil {
		return err
	}
	return acc.DepositSupplyShares(req.Token, shares)
}
