package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"refundledger/storage/trie"
)

// Manager provides typed read and write access to the ledger state trie.
// Callers are expected to serialize access; the manager itself holds no lock.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 to match the fixed-width key requirement
// of the underlying trie.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the
// key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// PendingRoot returns the root hash covering every write applied so far,
// including uncommitted ones.
func (m *Manager) PendingRoot() common.Hash {
	return m.trie.Hash()
}

// Revert reopens state at a previously committed root, discarding every write
// applied since that commit. Only committed roots can be reverted to.
func (m *Manager) Revert(root common.Hash) error {
	return m.trie.Reset(root)
}

// Commit persists pending writes under the given revision and returns the new
// state root.
func (m *Manager) Commit(parent common.Hash, revision uint64) (common.Hash, error) {
	return m.trie.Commit(parent, revision)
}

// CurrentRoot returns the last committed root of the underlying trie.
func (m *Manager) CurrentRoot() common.Hash {
	return m.trie.Root()
}
