package vault

import (
	"errors"

	"quorumvault/pkg/layout"
	"quorumvault/pkg/store"
)

var (
	ErrNotAnOwner             = errors.New("caller is not an owner")
	ErrNotAGuardian           = errors.New("caller is not a guardian")
	ErrNotAdministrator       = errors.New("caller is not the administrator")
	ErrAccountFrozen          = errors.New("wallet is frozen")
	ErrAlreadyExecuted        = errors.New("transaction already executed")
	ErrOwnerSetChanged        = errors.New("owner set changed since proposal")
	ErrActionAlreadyPerformed = errors.New("guardian action already performed")
	ErrActionExpired          = errors.New("guardian action expired")
	ErrTransactionNotReady    = errors.New("transaction eta not reached")
	ErrTransactionIsStale     = errors.New("transaction grace period elapsed")
	ErrInvalidETA             = errors.New("invalid eta")
	ErrDelayTooHigh           = errors.New("delay too high")
	ErrNotEnoughChangePeriod  = errors.New("guardian change period not elapsed")
	ErrNotEnoughSigners       = errors.New("not enough signers")
	ErrInvalidThreshold       = errors.New("invalid threshold")
	ErrSubIdentityMismatch    = errors.New("sub-identity does not match derivation")
	ErrCapacityExceeded       = layout.ErrCapacityExceeded
	ErrInvalidGuardian        = errors.New("invalid guardian action")
	ErrNotFound               = store.ErrNotFound
	ErrAlreadyInitialized     = errors.New("record already exists")
	ErrDuplicateIdentity      = errors.New("duplicate identity")
	ErrInvalidPolicy          = errors.New("invalid global policy")
	ErrInvalidAction          = errors.New("invalid action")
	ErrOverflow               = errors.New("arithmetic overflow")
	ErrDispatchFailed         = errors.New("action dispatch failed")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotAnOwner, "not_an_owner"},
	{ErrNotAGuardian, "not_a_guardian"},
	{ErrNotAdministrator, "not_administrator"},
	{ErrAccountFrozen, "account_frozen"},
	{ErrAlreadyExecuted, "already_executed"},
	{ErrOwnerSetChanged, "owner_set_changed"},
	{ErrActionAlreadyPerformed, "action_already_performed"},
	{ErrActionExpired, "action_expired"},
	{ErrTransactionNotReady, "transaction_not_ready"},
	{ErrTransactionIsStale, "transaction_is_stale"},
	{ErrInvalidETA, "invalid_eta"},
	{ErrDelayTooHigh, "delay_too_high"},
	{ErrNotEnoughChangePeriod, "not_enough_change_period"},
	{ErrNotEnoughSigners, "not_enough_signers"},
	{ErrInvalidThreshold, "invalid_threshold"},
	{ErrSubIdentityMismatch, "sub_identity_mismatch"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrInvalidGuardian, "invalid_guardian"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrDuplicateIdentity, "duplicate_identity"},
	{ErrInvalidPolicy, "invalid_policy"},
	{ErrInvalidAction, "invalid_action"},
	{ErrOverflow, "overflow"},
	{ErrDispatchFailed, "dispatch_failed"},
}

// Code maps an engine error to its stable string code. It returns "ok" for
// nil and "internal" for errors outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
