package state

import (
	"fmt"
	"math/big"

	"refundledger/native/refund"
)

var (
	refundBatchesPrefix = []byte("refund/batches/")
	refundBalancePrefix = []byte("refund/balance/")
	refundClaimedPrefix = []byte("refund/claimed/")
)

type storedRefundBatch struct {
	Root   [32]byte
	Amount *big.Int
}

func refundBatchesKey(funder [20]byte) []byte {
	key := make([]byte, len(refundBatchesPrefix)+len(funder))
	copy(key, refundBatchesPrefix)
	copy(key[len(refundBatchesPrefix):], funder[:])
	return key
}

func refundBalanceKey(funder [20]byte) []byte {
	key := make([]byte, len(refundBalancePrefix)+len(funder))
	copy(key, refundBalancePrefix)
	copy(key[len(refundBalancePrefix):], funder[:])
	return key
}

func refundClaimedKey(funder, recipient [20]byte) []byte {
	key := make([]byte, len(refundClaimedPrefix)+len(funder)+len(recipient))
	copy(key, refundClaimedPrefix)
	copy(key[len(refundClaimedPrefix):], funder[:])
	copy(key[len(refundClaimedPrefix)+len(funder):], recipient[:])
	return key
}

// RefundBatches returns the funder's registered batch set in index order. A
// funder without a set yields an empty slice.
func (m *Manager) RefundBatches(funder [20]byte) ([]refund.Batch, error) {
	var stored []storedRefundBatch
	ok, err := m.KVGet(refundBatchesKey(funder), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []refund.Batch{}, nil
	}
	batches := make([]refund.Batch, 0, len(stored))
	for _, b := range stored {
		amount := big.NewInt(0)
		if b.Amount != nil {
			amount = new(big.Int).Set(b.Amount)
		}
		batches = append(batches, refund.Batch{Root: b.Root, Amount: amount})
	}
	return batches, nil
}

// SetRefundBatches replaces the funder's batch set wholesale. Passing an
// empty slice clears the set; claim records are untouched either way.
func (m *Manager) SetRefundBatches(funder [20]byte, batches []refund.Batch) error {
	stored := make([]storedRefundBatch, 0, len(batches))
	for _, b := range batches {
		amount := big.NewInt(0)
		if b.Amount != nil {
			if b.Amount.Sign() < 0 {
				return fmt.Errorf("refund: negative batch amount")
			}
			amount = new(big.Int).Set(b.Amount)
		}
		stored = append(stored, storedRefundBatch{Root: b.Root, Amount: amount})
	}
	return m.KVPut(refundBatchesKey(funder), stored)
}

// RefundBalance returns the funder's claimable balance, zero when the funder
// has never been funded.
func (m *Manager) RefundBalance(funder [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(refundBalanceKey(funder), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// SetRefundBalance stores the funder's claimable balance.
func (m *Manager) SetRefundBalance(funder [20]byte, balance *big.Int) error {
	value := big.NewInt(0)
	if balance != nil {
		if balance.Sign() < 0 {
			return fmt.Errorf("refund: negative balance")
		}
		value = new(big.Int).Set(balance)
	}
	return m.KVPut(refundBalanceKey(funder), value)
}

// RefundClaimed reports whether the recipient has already been paid out by
// the funder under any batch, past or present.
func (m *Manager) RefundClaimed(funder, recipient [20]byte) (bool, error) {
	var claimed bool
	ok, err := m.KVGet(refundClaimedKey(funder, recipient), &claimed)
	if err != nil {
		return false, err
	}
	return ok && claimed, nil
}

// SetRefundClaimed permanently marks the (funder, recipient) pair as paid.
// There is no inverse operation: claim records outlive batch removal.
func (m *Manager) SetRefundClaimed(funder, recipient [20]byte) error {
	return m.KVPut(refundClaimedKey(funder, recipient), true)
}
