package refund

import "errors"

var (
	// ErrLengthMismatch is returned when a batch registration supplies roots
	// and amounts sequences of different lengths.
	ErrLengthMismatch = errors.New("refund: roots and amounts length mismatch")
	// ErrNoBatches rejects balance top-ups for funders with no registered
	// batch set.
	ErrNoBatches = errors.New("refund: funder has no registered batches")
	// ErrInsufficientBalance rejects partial withdrawals exceeding the
	// funder's claimable balance.
	ErrInsufficientBalance = errors.New("refund: insufficient balance")
	// ErrNothingToWithdraw rejects full withdrawals when the balance is zero.
	ErrNothingToWithdraw = errors.New("refund: nothing to withdraw")
	// ErrInsufficientFunderBalance marks claims whose proof verified but
	// whose batch amount exceeds the funder's remaining balance.
	ErrInsufficientFunderBalance = errors.New("refund: funder balance below batch amount")
	// ErrNotRefundable marks claims where no batch produced a payout: the
	// proof matched nothing, the pair already claimed, or the set is empty.
	ErrNotRefundable = errors.New("refund: not refundable")
	// ErrTransferFailed wraps account transfer failures. Callers roll back
	// every state effect of the operation when they observe it.
	ErrTransferFailed = errors.New("refund: transfer failed")
	// ErrInvalidAmount rejects nil or non-positive amounts on operations
	// that move value.
	ErrInvalidAmount = errors.New("refund: amount must be positive")

	errNilState = errors.New("refund engine: state not configured")
	errNilVault = errors.New("refund engine: vault not configured")
)
