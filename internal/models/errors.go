package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrSettlementFailure   = errors.New("settlement failure")
	ErrWithdrawalsBlocked  = errors.New("withdrawals blocked: reconciliation drift")
	ErrDisconnectTimeout   = errors.New("disconnect timeout")
	ErrGraceExpired        = errors.New("reconnection grace window expired")
	ErrNotDisconnected     = errors.New("no pending disconnect")

	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrAccountFrozen     = errors.New("account frozen")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidHoldState  = errors.New("invalid hold state")
	ErrAlreadyQueued     = errors.New("already queued or in a match")
	ErrNotEligible       = errors.New("not eligible to queue")
	ErrNotParticipant    = errors.New("not a participant of this match")
)

// IntegrityError reports a balance hash mismatch for a specific account.
type IntegrityError struct {
	AccountID string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on account %s", e.AccountID)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}
