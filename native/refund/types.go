package refund

import "math/big"

// Batch pairs a Merkle root committing to a set of recipient addresses with
// the single amount every recipient in that set may claim.
type Batch struct {
	Root   [32]byte
	Amount *big.Int
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	amount := big.NewInt(0)
	if b.Amount != nil {
		amount = new(big.Int).Set(b.Amount)
	}
	return Batch{Root: b.Root, Amount: amount}
}

func cloneBatches(batches []Batch) []Batch {
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Clone())
	}
	return out
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func splitBatches(batches []Batch) (roots [][32]byte, amounts []*big.Int) {
	roots = make([][32]byte, 0, len(batches))
	amounts = make([]*big.Int, 0, len(batches))
	for _, b := range batches {
		roots = append(roots, b.Root)
		amounts = append(amounts, cloneBigInt(b.Amount))
	}
	return roots, amounts
}
