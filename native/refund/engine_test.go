package refund

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"refundledger/core/events"
	"refundledger/core/types"
	"refundledger/crypto/merkle"
)

type mockState struct {
	batches  map[[20]byte][]Batch
	balances map[[20]byte]*big.Int
	claimed  map[[40]byte]bool
	accounts map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		batches:  make(map[[20]byte][]Batch),
		balances: make(map[[20]byte]*big.Int),
		claimed:  make(map[[40]byte]bool),
		accounts: make(map[[20]byte]*types.Account),
	}
}

func pairKey(funder, recipient [20]byte) [40]byte {
	var key [40]byte
	copy(key[:20], funder[:])
	copy(key[20:], recipient[:])
	return key
}

func (m *mockState) RefundBatches(funder [20]byte) ([]Batch, error) {
	return cloneBatches(m.batches[funder]), nil
}

func (m *mockState) SetRefundBatches(funder [20]byte, batches []Batch) error {
	m.batches[funder] = cloneBatches(batches)
	return nil
}

func (m *mockState) RefundBalance(funder [20]byte) (*big.Int, error) {
	if balance, ok := m.balances[funder]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetRefundBalance(funder [20]byte, balance *big.Int) error {
	if balance == nil || balance.Sign() < 0 {
		return fmt.Errorf("invalid balance")
	}
	m.balances[funder] = new(big.Int).Set(balance)
	return nil
}

func (m *mockState) RefundClaimed(funder, recipient [20]byte) (bool, error) {
	return m.claimed[pairKey(funder, recipient)], nil
}

func (m *mockState) SetRefundClaimed(funder, recipient [20]byte) error {
	m.claimed[pairKey(funder, recipient)] = true
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) accountBalance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) last() events.Event {
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var testVault = newTestAddress(0xEE)

func newTestEngine(state *mockState, emitter events.Emitter) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetVault(testVault)
	engine.SetEmitter(emitter)
	return engine
}

// pairProof builds a two-leaf tree over the recipients and returns its root
// with the inclusion proof for the first one.
func pairProof(recipient, sibling [20]byte) ([32]byte, [][32]byte) {
	leaf := merkle.LeafHash(recipient[:])
	other := merkle.LeafHash(sibling[:])
	root := merkle.HashPair(leaf, other)
	return [32]byte(root), [][32]byte{[32]byte(other)}
}

// soloRoot returns the root committing to a single recipient; the matching
// proof is empty.
func soloRoot(recipient [20]byte) [32]byte {
	return [32]byte(merkle.LeafHash(recipient[:]))
}

func TestSetBatchesLengthMismatch(t *testing.T) {
	engine := newTestEngine(newMockState(), nil)
	funder := newTestAddress(0x01)

	err := engine.SetBatches(funder, [][32]byte{{0x01}}, nil, nil)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
	err = engine.SetBatches(funder, [][32]byte{{0x01}, {0x02}}, []*big.Int{big.NewInt(1)}, nil)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestSetBatchesReplacesWholesale(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)

	first := [][32]byte{{0xaa}, {0xbb}}
	if err := engine.SetBatches(funder, first, []*big.Int{big.NewInt(10), big.NewInt(20)}, nil); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	second := [][32]byte{{0xcc}}
	if err := engine.SetBatches(funder, second, []*big.Int{big.NewInt(30)}, nil); err != nil {
		t.Fatalf("replace batches: %v", err)
	}

	batches, err := engine.Batches(funder)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 1 || batches[0].Root != second[0] || batches[0].Amount.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected batch set after replace: %v", batches)
	}

	evt, ok := emitter.last().(events.RefundBatchesChanged)
	if !ok {
		t.Fatalf("expected RefundBatchesChanged, got %T", emitter.last())
	}
	if len(evt.Roots) != 1 || evt.Roots[0] != second[0] {
		t.Fatalf("event roots mismatch: %v", evt.Roots)
	}
}

func TestSetBatchesCreditsIncomingFunds(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	state.fund(funder, 1_000)

	if err := engine.SetBatches(funder, [][32]byte{{0xaa}}, []*big.Int{big.NewInt(10)}, big.NewInt(400)); err != nil {
		t.Fatalf("set batches: %v", err)
	}

	balance, err := engine.Balance(funder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected claimable balance 400, got %s", balance)
	}
	if got := state.accountBalance(funder); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected funder account 600, got %s", got)
	}
	if got := state.accountBalance(testVault); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected vault account 400, got %s", got)
	}
}

func TestSetBatchesRejectsBadAmounts(t *testing.T) {
	engine := newTestEngine(newMockState(), nil)
	funder := newTestAddress(0x01)

	err := engine.SetBatches(funder, [][32]byte{{0x01}}, []*big.Int{nil}, nil)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil amount, got %v", err)
	}
	err = engine.SetBatches(funder, [][32]byte{{0x01}}, []*big.Int{big.NewInt(-1)}, nil)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	err = engine.SetBatches(funder, nil, nil, big.NewInt(-5))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative funds, got %v", err)
	}
}

func TestIncreaseBalanceRequiresBatches(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	state.fund(funder, 100)

	if _, err := engine.IncreaseBalance(funder, big.NewInt(50)); !errors.Is(err, ErrNoBatches) {
		t.Fatalf("expected ErrNoBatches, got %v", err)
	}
}

func TestIncreaseBalanceMovesFundsToVault(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)
	state.fund(funder, 100)

	if err := engine.SetBatches(funder, [][32]byte{{0xaa}}, []*big.Int{big.NewInt(10)}, nil); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	newBalance, err := engine.IncreaseBalance(funder, big.NewInt(60))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if newBalance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected new balance %s", newBalance)
	}
	if got := state.accountBalance(funder); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("funder account not debited: %s", got)
	}
	if got := state.accountBalance(testVault); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("vault account not credited: %s", got)
	}
	if _, ok := emitter.last().(events.RefundBalanceIncreased); !ok {
		t.Fatalf("expected RefundBalanceIncreased, got %T", emitter.last())
	}

	if _, err := engine.IncreaseBalance(funder, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero top-up, got %v", err)
	}
}

func TestIncreaseBalanceFailsWhenFunderShort(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	state.fund(funder, 10)

	if err := engine.SetBatches(funder, [][32]byte{{0xaa}}, []*big.Int{big.NewInt(10)}, nil); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	if _, err := engine.IncreaseBalance(funder, big.NewInt(60)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestDecreaseBalanceExactAmount(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)
	state.fund(funder, 100)

	if err := engine.SetBatches(funder, [][32]byte{{0xaa}}, []*big.Int{big.NewInt(10)}, big.NewInt(100)); err != nil {
		t.Fatalf("set batches: %v", err)
	}

	newBalance, err := engine.DecreaseBalance(funder, big.NewInt(30))
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if newBalance.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("expected remaining balance 70, got %s", newBalance)
	}
	// Exactly the requested amount moves back, nothing more.
	if got := state.accountBalance(funder); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected funder account 30, got %s", got)
	}
	if got := state.accountBalance(testVault); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("expected vault account 70, got %s", got)
	}

	evt, ok := emitter.last().(events.RefundBalanceDecreased)
	if !ok {
		t.Fatalf("expected RefundBalanceDecreased, got %T", emitter.last())
	}
	if evt.Amount.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("event must carry the requested amount, got %s", evt.Amount)
	}

	if _, err := engine.DecreaseBalance(funder, big.NewInt(71)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRemoveBatchesPaysOutAndKeepsClaims(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	bob := newTestAddress(0x0b)
	state.fund(funder, 1_000)

	root, proof := pairProof(alice, bob)
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(100)}, big.NewInt(500)); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	if _, err := engine.Claim(funder, alice, proof); err != nil {
		t.Fatalf("claim: %v", err)
	}

	paid, err := engine.RemoveBatches(funder)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if paid.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected payout 400, got %s", paid)
	}
	batches, err := engine.Batches(funder)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("batch set not cleared: %v", batches)
	}
	balance, err := engine.Balance(funder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("balance not zeroed: %s", balance)
	}

	evt, ok := emitter.last().(events.RefundBatchesRemoved)
	if !ok {
		t.Fatalf("expected RefundBatchesRemoved, got %T", emitter.last())
	}
	if len(evt.Roots) != 1 || evt.Roots[0] != root || evt.Balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("event must carry prior roots and balance: %+v", evt)
	}

	// The claim record outlives the batch set.
	claimed, err := engine.Claimed(funder, alice)
	if err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if !claimed {
		t.Fatal("claim record lost after batch removal")
	}

	// Re-registering the same root does not reopen the claim.
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(100)}, big.NewInt(200)); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if _, err := engine.Claim(funder, alice, proof); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for recycled root, got %v", err)
	}
}

func TestClaimPaysFirstMatchOnce(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	bob := newTestAddress(0x0b)
	state.fund(funder, 1_000)

	// The same recipient appears under both roots; index order decides.
	rootPair, proofPair := pairProof(alice, bob)
	rootSolo := soloRoot(alice)
	roots := [][32]byte{rootPair, rootSolo}
	amounts := []*big.Int{big.NewInt(100), big.NewInt(999)}
	if err := engine.SetBatches(funder, roots, amounts, big.NewInt(1_000)); err != nil {
		t.Fatalf("set batches: %v", err)
	}

	paid, err := engine.Claim(funder, alice, proofPair)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("first match must win: expected 100, got %s", paid)
	}
	if got := state.accountBalance(alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("recipient account not credited: %s", got)
	}
	balance, _ := engine.Balance(funder)
	if balance.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("claimable balance not decremented: %s", balance)
	}

	evt, ok := emitter.last().(events.Refunded)
	if !ok {
		t.Fatalf("expected Refunded, got %T", emitter.last())
	}
	if evt.BatchIndex != 0 || evt.Root != rootPair || evt.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected Refunded payload: %+v", evt)
	}

	// Exactly once: even a proof for the second, still-valid root fails now.
	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable on second claim, got %v", err)
	}
}

func TestClaimSkipsNonMatchingRoots(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	bob := newTestAddress(0x0b)
	carol := newTestAddress(0x0c)
	state.fund(funder, 1_000)

	// Batch 0 commits only to bob; batch 1 commits to alice and carol.
	rootBob := soloRoot(bob)
	rootPair, proofAlice := pairProof(alice, carol)
	roots := [][32]byte{rootBob, rootPair}
	amounts := []*big.Int{big.NewInt(50), big.NewInt(75)}
	if err := engine.SetBatches(funder, roots, amounts, big.NewInt(500)); err != nil {
		t.Fatalf("set batches: %v", err)
	}

	paid, err := engine.Claim(funder, alice, proofAlice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("expected amount from the matching batch, got %s", paid)
	}
}

func TestClaimInsufficientFunderBalance(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	state.fund(funder, 1_000)

	root := soloRoot(alice)
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(100)}, big.NewInt(40)); err != nil {
		t.Fatalf("set batches: %v", err)
	}

	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrInsufficientFunderBalance) {
		t.Fatalf("expected ErrInsufficientFunderBalance, got %v", err)
	}
	// The failed claim leaves the pair unclaimed for a later retry.
	claimed, err := engine.Claimed(funder, alice)
	if err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if claimed {
		t.Fatal("failed claim must not mark the pair claimed")
	}
}

func TestClaimNotRefundable(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	bob := newTestAddress(0x0b)
	state.fund(funder, 1_000)

	// Empty batch set: the scan never runs.
	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for empty set, got %v", err)
	}

	// Proof does not verify against any registered root.
	root := soloRoot(bob)
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(10)}, big.NewInt(100)); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for foreign leaf, got %v", err)
	}
}

func TestClaimZeroAmountBatchMarksPair(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)

	// A zero-amount batch is claimable with no balance and transfers nothing.
	root := soloRoot(alice)
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(0)}, nil); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	paid, err := engine.Claim(funder, alice, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("expected zero payout, got %s", paid)
	}
	if got := state.accountBalance(alice); got.Sign() != 0 {
		t.Fatalf("recipient account must be untouched, got %s", got)
	}
	claimed, err := engine.Claimed(funder, alice)
	if err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if !claimed {
		t.Fatal("zero-amount claim must still mark the pair")
	}
	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable on repeat, got %v", err)
	}
}

func TestClaimAgainstRealTree(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	state.fund(funder, 10_000)

	recipients := make([][20]byte, 6)
	leaves := make([]common.Hash, len(recipients))
	for i := range recipients {
		recipients[i] = newTestAddress(byte(0x10 + i))
		leaves[i] = merkle.LeafHash(recipients[i][:])
	}

	// Three-level tree: pair leaves, then pair the level above.
	level1 := []common.Hash{
		merkle.HashPair(leaves[0], leaves[1]),
		merkle.HashPair(leaves[2], leaves[3]),
		merkle.HashPair(leaves[4], leaves[5]),
	}
	level2 := []common.Hash{
		merkle.HashPair(level1[0], level1[1]),
		level1[2],
	}
	root := merkle.HashPair(level2[0], level2[1])

	// Proof for recipients[2]: sibling leaf 3, then level1[0], then level2[1].
	proof := [][32]byte{
		[32]byte(leaves[3]),
		[32]byte(level1[0]),
		[32]byte(level2[1]),
	}

	if err := engine.SetBatches(funder, [][32]byte{[32]byte(root)}, []*big.Int{big.NewInt(111)}, big.NewInt(1_000)); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	paid, err := engine.Claim(funder, recipients[2], proof)
	if err != nil {
		t.Fatalf("claim with deep proof: %v", err)
	}
	if paid.Cmp(big.NewInt(111)) != 0 {
		t.Fatalf("unexpected payout %s", paid)
	}

	// The same proof does not work for a different caller.
	if _, err := engine.Claim(funder, recipients[4], proof); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for stolen proof, got %v", err)
	}
}

func TestWithdrawFullBalance(t *testing.T) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := newTestEngine(state, emitter)
	funder := newTestAddress(0x01)
	state.fund(funder, 1_000)

	if _, err := engine.Withdraw(funder); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}

	if err := engine.SetBatches(funder, [][32]byte{{0xaa}}, []*big.Int{big.NewInt(10)}, big.NewInt(250)); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	amount, err := engine.Withdraw(funder)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected withdrawal 250, got %s", amount)
	}
	if got := state.accountBalance(funder); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("funder must be made whole, got %s", got)
	}
	balance, _ := engine.Balance(funder)
	if balance.Sign() != 0 {
		t.Fatalf("balance not zeroed: %s", balance)
	}
	if _, ok := emitter.last().(events.RefundBalanceWithdrawn); !ok {
		t.Fatalf("expected RefundBalanceWithdrawn, got %T", emitter.last())
	}
}

func TestVaultConservation(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funderA := newTestAddress(0x01)
	funderB := newTestAddress(0x02)
	alice := newTestAddress(0x0a)
	state.fund(funderA, 1_000)
	state.fund(funderB, 1_000)

	rootA := soloRoot(alice)
	if err := engine.SetBatches(funderA, [][32]byte{rootA}, []*big.Int{big.NewInt(100)}, big.NewInt(300)); err != nil {
		t.Fatalf("set batches A: %v", err)
	}
	if err := engine.SetBatches(funderB, [][32]byte{{0xbb}}, []*big.Int{big.NewInt(10)}, big.NewInt(500)); err != nil {
		t.Fatalf("set batches B: %v", err)
	}
	if _, err := engine.Claim(funderA, alice, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := engine.DecreaseBalance(funderB, big.NewInt(200)); err != nil {
		t.Fatalf("decrease: %v", err)
	}

	balanceA, _ := engine.Balance(funderA)
	balanceB, _ := engine.Balance(funderB)
	total := new(big.Int).Add(balanceA, balanceB)
	if got := state.accountBalance(testVault); got.Cmp(total) != 0 {
		t.Fatalf("vault %s must equal claimable sum %s", got, total)
	}
}

func TestClaimTransferFailureSurfacesSentinel(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, nil)
	funder := newTestAddress(0x01)
	alice := newTestAddress(0x0a)
	state.fund(funder, 1_000)

	root := soloRoot(alice)
	if err := engine.SetBatches(funder, [][32]byte{root}, []*big.Int{big.NewInt(100)}, big.NewInt(500)); err != nil {
		t.Fatalf("set batches: %v", err)
	}
	// Corrupt the vault account so the payout transfer cannot settle.
	state.fund(testVault, 5)

	if _, err := engine.Claim(funder, alice, nil); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestDefaultVerifierMatchesKeccakPairing(t *testing.T) {
	recipient := newTestAddress(0x0a)
	sibling := newTestAddress(0x0b)

	leaf := merkle.LeafHash(recipient[:])
	want := ethcrypto.Keccak256Hash(recipient[:])
	if leaf != want {
		t.Fatalf("leaf hash must be keccak256 of the address")
	}

	root, proof := pairProof(recipient, sibling)
	var leafBytes [32]byte
	copy(leafBytes[:], leaf[:])
	if !defaultVerifier(root, proof, leafBytes) {
		t.Fatal("default verifier rejected a valid proof")
	}
	leafBytes[0] ^= 0x01
	if defaultVerifier(root, proof, leafBytes) {
		t.Fatal("default verifier accepted a corrupted leaf")
	}
}

func TestEngineRequiresConfiguration(t *testing.T) {
	engine := NewEngine()
	funder := newTestAddress(0x01)

	if err := engine.SetBatches(funder, nil, nil, nil); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	engine.SetState(newMockState())
	if err := engine.SetBatches(funder, nil, nil, nil); !errors.Is(err, errNilVault) {
		t.Fatalf("expected errNilVault, got %v", err)
	}
}
