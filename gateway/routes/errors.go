package routes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"lendbook/native/lending"
	"lendbook/services/oracle"
	"lendbook/services/settlement"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// toStatus maps an action or query error to an HTTP status and a stable code.
// The oracle check runs first because an oracle failure may wrap ErrNotFound.
func toStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lending.ErrOracleUnavailable):
		return http.StatusServiceUnavailable, "oracle_unavailable"
	case errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrInsufficientAllowance):
		return http.StatusConflict, "settlement_rejected"
	case errors.Is(err, settlement.ErrSettlementFailed):
		return http.StatusBadGateway, "settlement_failed"
	case errors.Is(err, lending.ErrUnauthorized), errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, lending.ErrNotBorrower):
		return http.StatusForbidden, "not_borrower"
	case errors.Is(err, lending.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lending.ErrUnsupportedToken):
		return http.StatusBadRequest, "unsupported_token"
	case errors.Is(err, lending.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, lending.ErrInsufficientDeposit):
		return http.StatusBadRequest, "insufficient_deposit"
	case errors.Is(err, lending.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, lending.ErrInvalidAmount), errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, lending.ErrOverflow):
		return http.StatusBadRequest, "overflow"
	case errors.Is(err, lending.ErrPositionAlreadyFilled):
		return http.StatusConflict, "position_already_filled"
	case errors.Is(err, lending.ErrPositionNotFilled):
		return http.StatusConflict, "position_not_filled"
	case errors.Is(err, lending.ErrPositionHealthy):
		return http.StatusConflict, "position_healthy"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := toStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.Any("error", err))
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
}
