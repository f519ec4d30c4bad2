// Package merkle verifies keccak256 inclusion proofs for refund batches.
//
// Trees are built over 32-byte leaves with commutative pair hashing: each
// parent is the keccak256 of the lexicographically smaller child followed by
// the larger one. Proof generators therefore record only the sibling hashes
// from leaf to root, never left/right positions.
package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LeafHash returns the tree leaf committing to the given payload. Refund
// batches commit to recipient addresses, so the payload is the raw 20-byte
// address.
func LeafHash(payload []byte) common.Hash {
	return ethcrypto.Keccak256Hash(payload)
}

// HashPair combines two nodes into their parent. The lexicographically
// smaller node is always hashed first.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}

// ProcessProof folds the sibling hashes over the leaf and returns the root
// the proof commits to. An empty proof commits to the leaf itself.
func ProcessProof(proof []common.Hash, leaf common.Hash) common.Hash {
	node := leaf
	for _, sibling := range proof {
		node = HashPair(node, sibling)
	}
	return node
}

// Verify reports whether proof links leaf to root.
func Verify(root common.Hash, proof []common.Hash, leaf common.Hash) bool {
	return ProcessProof(proof, leaf) == root
}
