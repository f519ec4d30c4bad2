package refund

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"refundledger/core/events"
	"refundledger/core/types"
	"refundledger/crypto/merkle"
)

type engineState interface {
	RefundBatches(funder [20]byte) ([]Batch, error)
	SetRefundBatches(funder [20]byte, batches []Batch) error
	RefundBalance(funder [20]byte) (*big.Int, error)
	SetRefundBalance(funder [20]byte, balance *big.Int) error
	RefundClaimed(funder, recipient [20]byte) (bool, error)
	SetRefundClaimed(funder, recipient [20]byte) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// VerifierFunc checks a Merkle inclusion proof linking leaf to root.
type VerifierFunc func(root [32]byte, proof [][32]byte, leaf [32]byte) bool

// Engine implements the refund ledger transitions. Funded balances are
// escrowed in a keyless vault account; every transition either completes all
// of its account and bookkeeping effects or reports an error so the caller
// can roll the state back wholesale.
type Engine struct {
	state   engineState
	emitter events.Emitter
	vault   [20]byte
	verify  VerifierFunc
}

// NewEngine creates a refund engine with a no-op emitter and the default
// proof verifier. Callers wire state, vault and emitter via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		verify:  defaultVerifier,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the module account escrowing funded balances.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetVerifier overrides the Merkle proof verifier. Passing nil restores the
// default keccak256 commutative-pair verifier.
func (e *Engine) SetVerifier(fn VerifierFunc) {
	if fn == nil {
		e.verify = defaultVerifier
		return
	}
	e.verify = fn
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Vault returns the configured vault address.
func (e *Engine) Vault() [20]byte { return e.vault }

func defaultVerifier(root [32]byte, proof [][32]byte, leaf [32]byte) bool {
	siblings := make([]common.Hash, len(proof))
	for i := range proof {
		siblings[i] = common.Hash(proof[i])
	}
	return merkle.Verify(common.Hash(root), siblings, common.Hash(leaf))
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == ([20]byte{}) {
		return errNilVault
	}
	return nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// transfer moves amount between ledger accounts. Zero-amount transfers are
// no-ops; every failure wraps ErrTransferFailed so callers can roll back.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferFailed)
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient funds in %x", ErrTransferFailed, from)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// SetBatches replaces the funder's batch set wholesale. Previously registered
// roots become unverifiable even if partially claimed against; claim records
// are untouched. A nonzero incomingFunds is moved from the funder's account
// into the vault and credited to the claimable balance in the same operation.
func (e *Engine) SetBatches(funder [20]byte, roots [][32]byte, amounts []*big.Int, incomingFunds *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if len(roots) != len(amounts) {
		return ErrLengthMismatch
	}
	batches := make([]Batch, 0, len(roots))
	for i := range roots {
		if amounts[i] == nil || amounts[i].Sign() < 0 {
			return ErrInvalidAmount
		}
		batches = append(batches, Batch{Root: roots[i], Amount: new(big.Int).Set(amounts[i])})
	}
	funds := big.NewInt(0)
	if incomingFunds != nil {
		if incomingFunds.Sign() < 0 {
			return ErrInvalidAmount
		}
		funds = new(big.Int).Set(incomingFunds)
	}
	if err := e.state.SetRefundBatches(funder, batches); err != nil {
		return err
	}
	if funds.Sign() > 0 {
		if err := e.transfer(funder, e.vault, funds); err != nil {
			return err
		}
		balance, err := e.state.RefundBalance(funder)
		if err != nil {
			return err
		}
		if err := e.state.SetRefundBalance(funder, new(big.Int).Add(balance, funds)); err != nil {
			return err
		}
	}
	eventRoots, eventAmounts := splitBatches(batches)
	e.emit(events.RefundBatchesChanged{
		Funder:        funder,
		Roots:         eventRoots,
		Amounts:       eventAmounts,
		IncomingFunds: funds,
	})
	return nil
}

// IncreaseBalance moves amount from the funder's account into the vault and
// credits the claimable balance. Funders without a batch set cannot be topped
// up. Returns the new balance.
func (e *Engine) IncreaseBalance(funder [20]byte, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	batches, err := e.state.RefundBatches(funder)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	amt := new(big.Int).Set(amount)
	if err := e.transfer(funder, e.vault, amt); err != nil {
		return nil, err
	}
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	newBalance := new(big.Int).Add(balance, amt)
	if err := e.state.SetRefundBalance(funder, newBalance); err != nil {
		return nil, err
	}
	e.emit(events.RefundBalanceIncreased{
		Funder:     funder,
		Amount:     amt,
		NewBalance: cloneBigInt(newBalance),
	})
	return newBalance, nil
}

// DecreaseBalance debits exactly amount from the claimable balance and pays
// exactly amount back to the funder. Returns the new balance.
func (e *Engine) DecreaseBalance(funder [20]byte, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	amt := new(big.Int).Set(amount)
	if balance.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}
	newBalance := new(big.Int).Sub(balance, amt)
	if err := e.state.SetRefundBalance(funder, newBalance); err != nil {
		return nil, err
	}
	if err := e.transfer(e.vault, funder, amt); err != nil {
		return nil, err
	}
	e.emit(events.RefundBalanceDecreased{
		Funder:     funder,
		Amount:     amt,
		NewBalance: cloneBigInt(newBalance),
	})
	return newBalance, nil
}

// RemoveBatches clears the funder's batch set and pays out any remaining
// claimable balance in one transfer. Claim records survive: recipients paid
// under the removed roots stay marked permanently. Returns the paid-out
// balance, zero when there was none.
func (e *Engine) RemoveBatches(funder [20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	batches, err := e.state.RefundBatches(funder)
	if err != nil {
		return nil, err
	}
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetRefundBatches(funder, nil); err != nil {
		return nil, err
	}
	paid := cloneBigInt(balance)
	if paid.Sign() > 0 {
		if err := e.state.SetRefundBalance(funder, big.NewInt(0)); err != nil {
			return nil, err
		}
		if err := e.transfer(e.vault, funder, paid); err != nil {
			return nil, err
		}
	}
	eventRoots, eventAmounts := splitBatches(batches)
	e.emit(events.RefundBatchesRemoved{
		Funder:  funder,
		Roots:   eventRoots,
		Amounts: eventAmounts,
		Balance: cloneBigInt(paid),
	})
	return paid, nil
}

// Claim pays the recipient the amount committed to by the first batch whose
// root the proof verifies against, scanning the funder's set in index order.
// Each (funder, recipient) pair is paid at most once, ever: the claim record
// persists through batch replacement and removal. Returns the paid amount.
func (e *Engine) Claim(funder, recipient [20]byte, proof [][32]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claimed, err := e.state.RefundClaimed(funder, recipient)
	if err != nil {
		return nil, err
	}
	batches, err := e.state.RefundBatches(funder)
	if err != nil {
		return nil, err
	}

	var leaf [32]byte
	copy(leaf[:], ethcrypto.Keccak256(recipient[:]))

	match := -1
	if !claimed {
		for i, b := range batches {
			if e.verify(b.Root, proof, leaf) {
				match = i
				break
			}
		}
	}
	if match < 0 {
		return nil, ErrNotRefundable
	}

	amount := cloneBigInt(batches[match].Amount)
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunderBalance
	}

	// Bookkeeping strictly before the payout transfer.
	if err := e.state.SetRefundClaimed(funder, recipient); err != nil {
		return nil, err
	}
	if err := e.state.SetRefundBalance(funder, new(big.Int).Sub(balance, amount)); err != nil {
		return nil, err
	}
	if err := e.transfer(e.vault, recipient, amount); err != nil {
		return nil, err
	}
	e.emit(events.Refunded{
		Funder:     funder,
		Recipient:  recipient,
		Root:       batches[match].Root,
		BatchIndex: uint32(match),
		Amount:     cloneBigInt(amount),
	})
	return amount, nil
}

// Withdraw zeroes the funder's claimable balance and pays the full prior
// balance back in one transfer. Returns the withdrawn amount.
func (e *Engine) Withdraw(funder [20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	amount := cloneBigInt(balance)
	if err := e.state.SetRefundBalance(funder, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := e.transfer(e.vault, funder, amount); err != nil {
		return nil, err
	}
	e.emit(events.RefundBalanceWithdrawn{
		Funder: funder,
		Amount: cloneBigInt(amount),
	})
	return amount, nil
}

// Batches returns the funder's current batch set in index order.
func (e *Engine) Batches(funder [20]byte) ([]Batch, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	batches, err := e.state.RefundBatches(funder)
	if err != nil {
		return nil, err
	}
	return cloneBatches(batches), nil
}

// Balance returns the funder's claimable balance.
func (e *Engine) Balance(funder [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance, err := e.state.RefundBalance(funder)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

// Claimed reports whether the recipient was ever paid out by the funder.
func (e *Engine) Claimed(funder, recipient [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.RefundClaimed(funder, recipient)
}
