package httpx

import "net/http"

// codeStatus maps engine error codes to HTTP statuses. Codes missing here
// are internal failures.
var codeStatus = map[string]int{
	"ok":                       http.StatusOK,
	"not_an_owner":             http.StatusForbidden,
	"not_a_guardian":           http.StatusForbidden,
	"not_administrator":        http.StatusForbidden,
	"unauthorized":             http.StatusUnauthorized,
	"rate_limited":             http.StatusTooManyRequests,
	"bad_request":              http.StatusBadRequest,
	"not_found":                http.StatusNotFound,
	"already_initialized":      http.StatusConflict,
	"already_executed":         http.StatusConflict,
	"action_already_performed": http.StatusConflict,
	"owner_set_changed":        http.StatusConflict,
	"account_frozen":           http.StatusLocked,
	"transaction_not_ready":    http.StatusTooEarly,
	"not_enough_change_period": http.StatusTooEarly,
	"transaction_is_stale":     http.StatusGone,
	"action_expired":           http.StatusGone,
	"not_enough_signers":       http.StatusPreconditionFailed,
	"invalid_eta":              http.StatusUnprocessableEntity,
	"delay_too_high":           http.StatusUnprocessableEntity,
	"invalid_threshold":        http.StatusUnprocessableEntity,
	"sub_identity_mismatch":    http.StatusUnprocessableEntity,
	"capacity_exceeded":        http.StatusUnprocessableEntity,
	"invalid_guardian":         http.StatusUnprocessableEntity,
	"duplicate_identity":       http.StatusUnprocessableEntity,
	"invalid_policy":           http.StatusUnprocessableEntity,
	"invalid_action":           http.StatusUnprocessableEntity,
	"overflow":                 http.StatusUnprocessableEntity,
	"dispatch_failed":          http.StatusBadGateway,
}

func StatusForCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
