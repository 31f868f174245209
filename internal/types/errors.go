package types

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrStaleEstimation = errors.New("stale estimation discarded")

type InvalidDurationError struct {
	Swaps     int64
	Liquidity *big.Int
}

func (e *InvalidDurationError) Error() string {
	if e.Liquidity != nil && e.Liquidity.Sign() > 0 {
		return fmt.Sprintf("invalid duration: %d swaps cannot hold %s remaining funds", e.Swaps, e.Liquidity)
	}
	return fmt.Sprintf("invalid duration: %d swaps", e.Swaps)
}

type InsufficientFundsError struct {
	Liquidity *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: remaining liquidity %s is negative", e.Liquidity)
}

// InsufficientBalanceError means the account holds less than an increase
// would pull from it.
type InsufficientBalanceError struct {
	Required *big.Int
	Balance  *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %s, have %s", e.Required, e.Balance)
}

// UserRejectedError means the user declined to sign. It is never reported.
type UserRejectedError struct {
	Err error
}

func (e *UserRejectedError) Error() string {
	if e.Err == nil {
		return "user rejected the request"
	}
	return fmt.Sprintf("user rejected the request: %v", e.Err)
}

func (e *UserRejectedError) Unwrap() error {
	return e.Err
}

type ChainSubmissionError struct {
	Op  string
	Err error
}

func (e *ChainSubmissionError) Error() string {
	return fmt.Sprintf("fail to %s: %v", e.Op, e.Err)
}

func (e *ChainSubmissionError) Unwrap() error {
	return e.Err
}

func (e *ChainSubmissionError) Retryable() bool {
	return true
}

func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return errors.As(err, &target)
}

func IsUserRejected(err error) bool {
	var target *UserRejectedError
	return errors.As(err, &target)
}

func IsChainSubmission(err error) bool {
	var target *ChainSubmissionError
	return errors.As(err, &target)
}

// IsValidation reports errors raised by local checks before anything reaches the chain.
func IsValidation(err error) bool {
	var duration *InvalidDurationError
	var funds *InsufficientFundsError
	return errors.As(err, &duration) || errors.As(err, &funds)
}
