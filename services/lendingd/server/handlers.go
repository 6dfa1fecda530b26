package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendcore/native/lending"
	"lendcore/observability"
)

type depositRequest struct {
	Token   lending.TokenID  `json:"token"`
	Amount  *big.Int         `json:"amount"`
	Actions []lending.Action `json:"actions,omitempty"`
}

type actionsRequest struct {
	Actions []lending.Action `json:"actions"`
}

type marginActionsRequest struct {
	Actions []lending.MarginAction `json:"actions"`
}

type swapCallbackRequest struct {
	Reference lending.SwapReference `json:"reference"`
	Success   bool                  `json:"success"`
	AmountOut *big.Int              `json:"amountOut,omitempty"`
}

type transferCallbackRequest struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type amountRequest struct {
	Amount *big.Int `json:"amount"`
}

type withdrawFeesRequest struct {
	Amount    *big.Int          `json:"amount"`
	Recipient lending.AccountID `json:"recipient"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func accountParam(r *http.Request) lending.AccountID {
	return lending.AccountID(strings.TrimSpace(chi.URLParam(r, "id")))
}

func tokenParam(r *http.Request) lending.TokenID {
	return lending.TokenID(strings.TrimSpace(chi.URLParam(r, "token")))
}

// authorizeAccount checks the principal against the account in the path.
func (s *Server) authorizeAccount(w http.ResponseWriter, r *http.Request, account lending.AccountID) bool {
	p, ok := PrincipalFrom(r.Context())
	if !ok || !p.CanActFor(account) {
		writeError(w, http.StatusForbidden, "principal may not act for this account")
		return false
	}
	return true
}

// charge applies the per-account quota for a request carrying actions.
func (s *Server) charge(w http.ResponseWriter, r *http.Request, account lending.AccountID, actions int) bool {
	if err := s.quota.Charge(string(account), uint64(actions)); err != nil {
		observability.ModuleMetrics().RecordThrottle("lending", "quota_exceeded")
		s.fail(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	if err := s.engine.RegisterAccount(account); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusResponse{Status: "registered"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.charge(w, r, account, len(req.Actions)) {
		return
	}
	prices, err := s.currentPrices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.Deposit(r.Context(), account, req.Token, req.Amount, req.Actions, prices); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeAccount(w, r, account, prices)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	var req actionsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.charge(w, r, account, len(req.Actions)) {
		return
	}
	prices, err := s.currentPrices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.Execute(r.Context(), account, req.Actions, prices); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeAccount(w, r, account, prices)
}

func (s *Server) writeAccount(w http.ResponseWriter, r *http.Request, account lending.AccountID, prices *lending.Prices) {
	view, err := s.engine.Account(account, prices)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	prices, err := s.currentPrices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeAccount(w, r, account, prices)
}

func (s *Server) handleClaimFees(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	if !s.charge(w, r, account, 1) {
		return
	}
	if err := s.engine.ClaimBeneficiaryFees(r.Context(), account, tokenParam(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "transfer_pending"})
}

func (s *Server) handleMarginDeposit(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Actions) > 0 {
		s.fail(w, r, fmt.Errorf("%w: margin deposits carry no actions", errBadRequest))
		return
	}
	if !s.charge(w, r, account, 0) {
		return
	}
	if err := s.engine.MarginDeposit(r.Context(), account, req.Token, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeMarginAccount(w, r, account, nil)
}

func (s *Server) handleMarginActions(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	var req marginActionsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.charge(w, r, account, len(req.Actions)) {
		return
	}
	prices, err := s.currentPrices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.MarginExecute(r.Context(), account, req.Actions, prices); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeMarginAccount(w, r, account, prices)
}

func (s *Server) writeMarginAccount(w http.ResponseWriter, r *http.Request, account lending.AccountID, prices *lending.Prices) {
	if prices == nil {
		var err error
		if prices, err = s.currentPrices(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	view, err := s.engine.MarginAccount(account, prices)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarginAccount(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	s.writeMarginAccount(w, r, account, nil)
}

func (s *Server) handleSwapCallback(w http.ResponseWriter, r *http.Request) {
	var req swapCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var err error
	if req.Success {
		if req.AmountOut == nil {
			s.fail(w, r, fmt.Errorf("%w: amountOut required on success", errBadRequest))
			return
		}
		err = s.engine.OnSwapReturn(r.Context(), req.Reference, req.AmountOut)
	} else {
		err = s.engine.OnSwapFailed(r.Context(), req.Reference)
	}
	if err != nil {
		s.logger.Warn("swap callback rejected",
			"account", req.Reference.AccountID,
			"position", req.Reference.PositionID,
			"op", req.Reference.Op,
			"error", err)
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "settled"})
}

func (s *Server) handleTransferCallback(w http.ResponseWriter, r *http.Request) {
	var req transferCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.OnTransferResult(r.Context(), strings.TrimSpace(req.ID), req.Success); err != nil {
		s.logger.Warn("transfer callback rejected", "transfer", req.ID, "error", err)
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "settled"})
}

func (s *Server) handleReserveDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.DepositToReserve(r.Context(), tokenParam(r), req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "credited"})
}

func (s *Server) handleWithdrawProtocolFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawFeesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	// Static tokens and client certificates act as the configured owner.
	caller := s.engine.Config().Owner
	if p, ok := PrincipalFrom(r.Context()); ok && p.Subject != "" {
		caller = lending.AccountID(p.Subject)
	}
	if err := s.engine.WithdrawProtocolFees(r.Context(), caller, tokenParam(r), req.Amount, req.Recipient); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "transfer_pending"})
}

func (s *Server) handleSyncLPToken(w http.ResponseWriter, r *http.Request) {
	var info lending.UnitShareTokens
	if err := decodeJSON(r, &info); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.SyncLPTokenInfo(r.Context(), tokenParam(r), info); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "synced"})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.engine.Assets()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.engine.Asset(tokenParam(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleProtocolDebts(w http.ResponseWriter, r *http.Request) {
	debts, err := s.engine.ProtocolDebts()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, debts)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := s.engine.PendingTransfer(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.authorizeAccount(w, r, transfer.Account) {
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleOracleHealth(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.prices.Health())
}
