package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
)

// bookProtocolDebt records debt the reserve could not cover.
func (b *batch) bookProtocolDebt(token TokenID, amount *big.Int) error {
	debts, err := b.protocolDebts()
	if err != nil {
		return err
	}
	total := new(big.Int).Add(bigOrZero(debts[token]), amount)
	if total.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%w: protocol debt of %s exceeds 128 bits", ErrInvariantViolation, token)
	}
	debts[token] = total
	b.debtsDirty = true
	b.engine.logger.Warn("protocol debt booked", "token", token, "amount", amount, "total", total)
	b.emit(events.LendingProtocolDebt{Token: string(token), Amount: cloneBig(amount), Total: cloneBig(total)})
	return nil
}

// DepositToReserve adds amount (token units) to the reserve of token. Any
// outstanding protocol debt in the token is settled first.
func (e *Engine) DepositToReserve(ctx context.Context, token TokenID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.run(ctx, "deposit_to_reserve", nil, func(b *batch) error {
		asset, err := b.assets.Mut(token)
		if err != nil {
			return err
		}
		inner := asset.ToInner(amount)
		debts, err := b.protocolDebts()
		if err != nil {
			return err
		}
		repaid := new(big.Int)
		if debt := debts[token]; debt != nil && debt.Sign() > 0 {
			repaid = minBig(debt, inner)
			remaining := new(big.Int).Sub(debt, repaid)
			if remaining.Sign() == 0 {
				delete(debts, token)
			} else {
				debts[token] = remaining
			}
			b.debtsDirty = true
			b.emit(events.LendingProtocolDebt{Token: string(token), Amount: cloneBig(repaid), Total: cloneBig(remaining), Repaid: true})
		}
		asset.Reserved.Add(asset.Reserved, new(big.Int).Sub(inner, repaid))
		b.emit(events.LendingReserveDeposit{Token: string(token), Amount: cloneBig(amount), DebtRepaid: repaid})
		return nil
	})
}

// ClaimBeneficiaryFees transfers the accrued beneficiary share of token to
// account.
func (e *Engine) ClaimBeneficiaryFees(ctx context.Context, account AccountID, token TokenID) error {
	return e.run(ctx, "claim_beneficiary_fees", nil, func(b *batch) error {
		if err := b.guard(moduleName); err != nil {
			return err
		}
		asset, err := b.assets.Mut(token)
		if err != nil {
			return err
		}
		fee := asset.BeneficiaryFees[account]
		if fee == nil || fee.Sign() == 0 {
			return fmt.Errorf("%w: no beneficiary fees for %s", ErrInvalidAmount, account)
		}
		delete(asset.BeneficiaryFees, account)
		req, err := b.queueTransfer(account, asset, fee, SourceBeneficiary)
		if err != nil {
			return err
		}
		b.emit(events.LendingFeeClaim{Account: string(account), Token: string(token), Amount: cloneBig(req.ExternalAmount), Kind: "beneficiary"})
		return nil
	})
}

// WithdrawProtocolFees transfers amount (inner units) of accrued protocol
// fees in token to recipient. Only the configured owner may call it.
func (e *Engine) WithdrawProtocolFees(ctx context.Context, caller AccountID, token TokenID, amount *big.Int, recipient AccountID) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.run(ctx, "withdraw_protocol_fees", nil, func(b *batch) error {
		if b.cfg.Owner == "" || caller != b.cfg.Owner {
			return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
		}
		asset, err := b.assets.Mut(token)
		if err != nil {
			return err
		}
		if amount.Cmp(asset.ProtocolFee) > 0 {
			return fmt.Errorf("%w: protocol fee of %s is %s", ErrInsufficientShares, token, asset.ProtocolFee)
		}
		if amount.Cmp(asset.AvailableAmount()) > 0 {
			return fmt.Errorf("%w: protocol fee withdrawal of %s", ErrInsufficientLiquidity, token)
		}
		asset.ProtocolFee.Sub(asset.ProtocolFee, amount)
		if recipient == "" {
			recipient = caller
		}
		req, err := b.queueTransfer(recipient, asset, amount, SourceProtocolFee)
		if err != nil {
			return err
		}
		b.emit(events.LendingFeeClaim{Account: string(recipient), Token: string(token), Amount: cloneBig(req.ExternalAmount), Kind: "protocol"})
		return nil
	})
}

// SyncLPTokenInfo records the underlying composition of a listed LP token.
// Snapshots older than the stored one are rejected.
func (e *Engine) SyncLPTokenInfo(ctx context.Context, token TokenID, info UnitShareTokens) error {
	if len(info.Tokens) == 0 {
		return fmt.Errorf("%w: empty lp snapshot for %s", ErrValidation, token)
	}
	for _, t := range info.Tokens {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return fmt.Errorf("%w: negative underlying amount in %s", ErrValidation, token)
		}
	}
	return e.run(ctx, "sync_lp_token_info", nil, func(b *batch) error {
		if _, err := b.assets.Get(token); err != nil {
			return err
		}
		for _, t := range info.Tokens {
			if _, err := b.assets.Get(t.Token); err != nil {
				return err
			}
		}
		stored, err := e.state.GetLPTokenInfo(token)
		if err != nil {
			return err
		}
		if stored != nil && stored.Timestamp > info.Timestamp {
			return fmt.Errorf("%w: lp snapshot for %s is older than stored", ErrValidation, token)
		}
		b.lpInfos[token] = info.Clone()
		b.lpDirty[token] = struct{}{}
		return nil
	})
}
