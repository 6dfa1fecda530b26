package server

import (
	"errors"
	"net/http"

	"lendcore/native/common"
	"lendcore/native/lending"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusFor maps engine errors onto HTTP statuses. Order matters: the
// specific sentinels all wrap a broader class.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrQuotaRequestsExceeded),
		errors.Is(err, common.ErrQuotaActionsExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests
	case errors.Is(err, lending.ErrUnknownAccount),
		errors.Is(err, lending.ErrUnknownAsset),
		errors.Is(err, lending.ErrUnknownPosition),
		errors.Is(err, lending.ErrUnknownTransfer):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrPositionBusy),
		errors.Is(err, lending.ErrAccountExists),
		errors.Is(err, lending.ErrAssetExists),
		errors.Is(err, lending.ErrPositionExists),
		errors.Is(err, lending.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, lending.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
