package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Settlement engine failures.
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrMarketAlreadySettled      = errors.New("market already settled")
	ErrMarketNotSettled          = errors.New("market not settled")
	ErrAlreadyInitialized        = errors.New("market already initialized")
	ErrInvalidOutcome            = errors.New("invalid outcome")
	ErrMarketExpired             = errors.New("market settlement deadline passed")
	ErrInvalidSettlementDeadline = errors.New("settlement deadline must be in the future")

	// Token ledger failures, passed through the engine unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("amount overflow")
	ErrMintMismatch        = errors.New("token accounts hold different assets")
)
