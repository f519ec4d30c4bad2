package events

import (
	"encoding/hex"
	"math/big"
	"strings"

	"refundledger/core/types"
	"refundledger/crypto"
)

const (
	TypeRefundBatchesChanged   = "refund.batchesChanged"
	TypeRefundBalanceIncreased = "refund.balanceIncreased"
	TypeRefundBalanceDecreased = "refund.balanceDecreased"
	TypeRefundBatchesRemoved   = "refund.batchesRemoved"
	TypeRefunded               = "refund.refunded"
	TypeRefundBalanceWithdrawn = "refund.balanceWithdrawn"
)

type RefundBatchesChanged struct {
	Funder        [20]byte
	Roots         [][32]byte
	Amounts       []*big.Int
	IncomingFunds *big.Int
}

func (RefundBatchesChanged) EventType() string { return TypeRefundBatchesChanged }

func (e RefundBatchesChanged) Event() *types.Event {
	attrs := map[string]string{
		"funder":  crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
		"roots":   formatRoots(e.Roots),
		"amounts": formatAmounts(e.Amounts),
	}
	if e.IncomingFunds != nil && e.IncomingFunds.Sign() > 0 {
		attrs["incomingFunds"] = e.IncomingFunds.String()
	}
	return &types.Event{Type: TypeRefundBatchesChanged, Attributes: attrs}
}

type RefundBalanceIncreased struct {
	Funder     [20]byte
	Amount     *big.Int
	NewBalance *big.Int
}

func (RefundBalanceIncreased) EventType() string { return TypeRefundBalanceIncreased }

func (e RefundBalanceIncreased) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundBalanceIncreased,
		Attributes: map[string]string{
			"funder":     crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
			"amount":     formatAmount(e.Amount),
			"newBalance": formatAmount(e.NewBalance),
		},
	}
}

type RefundBalanceDecreased struct {
	Funder     [20]byte
	Amount     *big.Int
	NewBalance *big.Int
}

func (RefundBalanceDecreased) EventType() string { return TypeRefundBalanceDecreased }

func (e RefundBalanceDecreased) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundBalanceDecreased,
		Attributes: map[string]string{
			"funder":     crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
			"amount":     formatAmount(e.Amount),
			"newBalance": formatAmount(e.NewBalance),
		},
	}
}

type RefundBatchesRemoved struct {
	Funder  [20]byte
	Roots   [][32]byte
	Amounts []*big.Int
	Balance *big.Int
}

func (RefundBatchesRemoved) EventType() string { return TypeRefundBatchesRemoved }

func (e RefundBatchesRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundBatchesRemoved,
		Attributes: map[string]string{
			"funder":  crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
			"roots":   formatRoots(e.Roots),
			"amounts": formatAmounts(e.Amounts),
			"balance": formatAmount(e.Balance),
		},
	}
}

type Refunded struct {
	Funder     [20]byte
	Recipient  [20]byte
	Root       [32]byte
	BatchIndex uint32
	Amount     *big.Int
}

func (Refunded) EventType() string { return TypeRefunded }

func (e Refunded) Event() *types.Event {
	return &types.Event{
		Type: TypeRefunded,
		Attributes: map[string]string{
			"funder":     crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
			"recipient":  crypto.NewAddress(crypto.RefundPrefix, e.Recipient[:]).String(),
			"root":       "0x" + hex.EncodeToString(e.Root[:]),
			"batchIndex": big.NewInt(int64(e.BatchIndex)).String(),
			"amount":     formatAmount(e.Amount),
		},
	}
}

type RefundBalanceWithdrawn struct {
	Funder [20]byte
	Amount *big.Int
}

func (RefundBalanceWithdrawn) EventType() string { return TypeRefundBalanceWithdrawn }

func (e RefundBalanceWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundBalanceWithdrawn,
		Attributes: map[string]string{
			"funder": crypto.NewAddress(crypto.RefundPrefix, e.Funder[:]).String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatRoots(roots [][32]byte) string {
	encoded := make([]string, len(roots))
	for i, root := range roots {
		encoded[i] = "0x" + hex.EncodeToString(root[:])
	}
	return strings.Join(encoded, ",")
}

func formatAmounts(amounts []*big.Int) string {
	encoded := make([]string, len(amounts))
	for i, amount := range amounts {
		encoded[i] = formatAmount(amount)
	}
	return strings.Join(encoded, ",")
}
