package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrSameCard                 = errors.New("sender and recipient card are the same")
	ErrRecordNotFound           = errors.New("record not found")
	ErrUserExists               = errors.New("user already provisioned")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidTransition        = errors.New("status may only move forward from PENDING")
	ErrIdempotencyConflict      = errors.New("request in progress")
	ErrIdempotencyMismatch      = errors.New("key reuse with mismatched payload")
)

// TransferSide names which party of a transfer an error refers to.
type TransferSide string

const (
	SideSender    TransferSide = "sender"
	SideRecipient TransferSide = "recipient"
)

// CardNotFoundError reports a card id that did not resolve, parameterized by
// which side of the operation it belonged to.
type CardNotFoundError struct {
	Side   TransferSide
	CardID string
}

func (e *CardNotFoundError) Error() string {
	if e.Side == "" {
		return fmt.Sprintf("card %s not found", e.CardID)
	}
	return fmt.Sprintf("%s card %s not found", e.Side, e.CardID)
}

// Is lets errors.Is(err, ErrRecordNotFound) match regardless of side.
func (e *CardNotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}

// StatusConflictError rejects a stale lock toggle. The caller presented
// Expected as the last-known lock state, but the card held Actual.
type StatusConflictError struct {
	Expected bool
	Actual   bool
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("lock status conflict: expected is_locked=%t, actual is_locked=%t", e.Expected, e.Actual)
}
