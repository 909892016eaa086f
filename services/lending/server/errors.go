package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"stxlend/native/lending"
	"stxlend/services/lending/engine"
)

// ErrorBody is the JSON error envelope. Code carries the pool error code
// (100-115) and is zero for transport and infrastructure failures.
type ErrorBody struct {
	Code    uint32 `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func codeStatus(code lending.Code) int {
	switch code {
	case lending.CodeNotAuthorized:
		return http.StatusForbidden
	case lending.CodeLoanNotFound:
		return http.StatusNotFound
	case lending.CodeInvalidAmount, lending.CodeZeroShareWithdrawal:
		return http.StatusBadRequest
	case lending.CodeProtocolPaused, lending.CodeOracleFailure, lending.CodeStalePriceData:
		return http.StatusServiceUnavailable
	case lending.CodeLoanNotActive, lending.CodeSameBlockInteraction:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func toError(err error) (int, ErrorBody) {
	if code, ok := lending.CodeOf(err); ok {
		return codeStatus(code), ErrorBody{Code: uint32(code), Error: code.String(), Message: err.Error()}
	}
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		return http.StatusBadRequest, ErrorBody{Code: uint32(lending.CodeInvalidAmount), Error: lending.CodeInvalidAmount.String(), Message: err.Error()}
	case errors.Is(err, engine.ErrInvalidAddress):
		return http.StatusBadRequest, ErrorBody{Error: "InvalidAddress", Message: err.Error()}
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: "NotFound", Message: "resource not found"}
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{Error: "Unavailable", Message: "service unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Error: "Timeout", Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrorBody{Error: "Canceled", Message: "request canceled"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "Internal", Message: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, ErrorBody{Error: name, Message: message})
}
