package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"refundledger/core/events"
	refundstate "refundledger/core/state"
	"refundledger/core/types"
	"refundledger/crypto"
	"refundledger/native/refund"
	"refundledger/observability"
	"refundledger/storage"
	"refundledger/storage/trie"
)

// VaultName is the module account that escrows every funded wei until it is
// claimed or withdrawn.
const VaultName = "vault"

var checkpointKey = []byte("refund/checkpoint")

// Checkpoint records the durably committed ledger position. The daemon
// resumes from it after a restart.
type Checkpoint struct {
	StateRoot common.Hash
	Revision  uint64
	UpdatedAt time.Time
}

type storedCheckpoint struct {
	Root     [32]byte
	Revision uint64
	Updated  uint64
}

// GenesisAccount seeds an externally owned account before the first
// operation. Genesis is applied exactly once, when no checkpoint exists yet.
type GenesisAccount struct {
	Address [20]byte
	Balance *big.Int
}

// Ledger is the central controller. It owns the state trie, serializes
// mutations, commits each successful operation as its own revision, and fans
// the resulting events out to the journal and live subscribers. A failed
// operation leaves no trace: state is reopened at the previous revision and
// nothing is journaled.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	trie     *trie.Trie
	journal  *events.Journal
	log      *slog.Logger
	metrics  *observability.LedgerMetrics
	vault    [20]byte
	revision uint64
	root     common.Hash
	updated  time.Time

	subMu   sync.Mutex
	subs    map[uint64]chan events.Entry
	nextSub uint64
}

// NewLedger opens the ledger over the provided database. When a checkpoint is
// present the trie is reopened at its root and the genesis allocation is
// ignored; otherwise a fresh trie is created and the allocation is committed
// as revision one.
func NewLedger(db storage.Database, journal *events.Journal, logger *slog.Logger, genesis []GenesisAccount) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	if journal == nil {
		return nil, fmt.Errorf("ledger: journal required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	checkpoint, err := loadCheckpoint(db)
	if err != nil {
		return nil, err
	}

	var root []byte
	if checkpoint != nil {
		root = checkpoint.StateRoot.Bytes()
	}
	stateTrie, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("ledger: open state trie: %w", err)
	}

	ledger := &Ledger{
		db:      db,
		trie:    stateTrie,
		journal: journal,
		log:     logger.With("component", "ledger"),
		metrics: observability.Ledger(),
		subs:    make(map[uint64]chan events.Entry),
	}
	copy(ledger.vault[:], crypto.ModuleAddress(VaultName).Bytes())

	if checkpoint != nil {
		ledger.revision = checkpoint.Revision
		ledger.root = checkpoint.StateRoot
		ledger.updated = checkpoint.UpdatedAt
		ledger.log.Info("resumed from checkpoint",
			"revision", ledger.revision, "root", ledger.root.Hex())
		return ledger, nil
	}

	ledger.root = stateTrie.Root()
	if len(genesis) > 0 {
		if err := ledger.applyGenesis(genesis); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

func (l *Ledger) applyGenesis(genesis []GenesisAccount) error {
	manager := refundstate.NewManager(l.trie)
	for _, alloc := range genesis {
		balance := alloc.Balance
		if balance == nil {
			balance = big.NewInt(0)
		}
		if balance.Sign() < 0 {
			return fmt.Errorf("ledger: negative genesis balance for %x", alloc.Address)
		}
		if err := manager.PutAccount(alloc.Address[:], &types.Account{Balance: balance}); err != nil {
			return fmt.Errorf("ledger: seed genesis account %x: %w", alloc.Address, err)
		}
	}
	newRoot, err := manager.Commit(l.root, l.revision+1)
	if err != nil {
		return fmt.Errorf("ledger: commit genesis: %w", err)
	}
	l.revision++
	l.root = newRoot
	l.updated = time.Now().UTC()
	if err := l.persistCheckpoint(); err != nil {
		return err
	}
	l.log.Info("applied genesis allocation", "accounts", len(genesis), "root", l.root.Hex())
	return nil
}

func loadCheckpoint(db storage.Database) (*Checkpoint, error) {
	raw, err := db.Get(checkpointKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: read checkpoint: %w", err)
	}
	var stored storedCheckpoint
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("ledger: corrupt checkpoint: %w", err)
	}
	return &Checkpoint{
		StateRoot: common.Hash(stored.Root),
		Revision:  stored.Revision,
		UpdatedAt: time.Unix(int64(stored.Updated), 0).UTC(),
	}, nil
}

func (l *Ledger) persistCheckpoint() error {
	stored := storedCheckpoint{
		Root:     [32]byte(l.root),
		Revision: l.revision,
		Updated:  uint64(l.updated.Unix()),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("ledger: encode checkpoint: %w", err)
	}
	if err := l.db.Put(checkpointKey, encoded); err != nil {
		return fmt.Errorf("ledger: write checkpoint: %w", err)
	}
	return nil
}

// eventCollector buffers engine events during an operation so they are only
// published once the revision has committed.
type eventCollector struct {
	buffered []*types.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			c.buffered = append(c.buffered, payload)
		}
		return
	}
	c.buffered = append(c.buffered, &types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

func (l *Ledger) newEngine(manager *refundstate.Manager, collector *eventCollector) *refund.Engine {
	engine := refund.NewEngine()
	engine.SetState(manager)
	engine.SetVault(l.vault)
	engine.SetEmitter(collector)
	return engine
}

// execute runs one mutation as one revision. On any failure the trie is
// reopened at the previous root so partial writes cannot leak out.
func (l *Ledger) execute(op string, fn func(*refund.Engine) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := time.Now()

	manager := refundstate.NewManager(l.trie)
	collector := &eventCollector{}
	engine := l.newEngine(manager, collector)

	parent := l.root
	rollback := func(cause error) error {
		if rbErr := manager.Revert(parent); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", cause, rbErr)
		}
		return cause
	}

	err := fn(engine)
	if err != nil {
		err = rollback(err)
		l.metrics.ObserveOperation(op, time.Since(start), err)
		return err
	}

	newRoot, err := manager.Commit(parent, l.revision+1)
	if err != nil {
		err = rollback(fmt.Errorf("ledger: commit %s: %w", op, err))
		l.metrics.ObserveOperation(op, time.Since(start), err)
		return err
	}
	l.revision++
	l.root = newRoot
	l.updated = time.Now().UTC()
	if err := l.persistCheckpoint(); err != nil {
		// The revision is committed but unreferenced; reopening at the
		// parent keeps the served state consistent with the checkpoint.
		err = rollback(err)
		l.revision--
		l.root = parent
		l.metrics.ObserveOperation(op, time.Since(start), err)
		return err
	}

	l.publish(collector.buffered)
	l.metrics.ObserveOperation(op, time.Since(start), nil)
	l.log.Info("ledger operation committed",
		"op", op, "revision", l.revision, "root", l.root.Hex(), "events", len(collector.buffered))
	return nil
}

func (l *Ledger) publish(buffered []*types.Event) {
	for _, evt := range buffered {
		entry, err := l.journal.Append(evt)
		if err != nil {
			l.log.Error("journal append failed", "type", evt.Type, "error", err)
			continue
		}
		l.metrics.RecordJournalAppend()
		l.fanOut(entry)
	}
}

func (l *Ledger) fanOut(entry events.Entry) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- entry:
		default:
			// Slow subscribers miss live entries; they recover the gap by
			// replaying the journal from their last cursor.
		}
	}
}

// EventSubscription is a live feed of journal entries. Entries published
// while the subscriber's buffer is full are skipped, so consumers should
// treat sequence gaps as a cue to replay from the journal.
type EventSubscription struct {
	id     uint64
	ch     chan events.Entry
	ledger *Ledger
	once   sync.Once
}

// C returns the entry channel.
func (s *EventSubscription) C() <-chan events.Entry { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *EventSubscription) Close() {
	s.once.Do(func() {
		s.ledger.subMu.Lock()
		delete(s.ledger.subs, s.id)
		remaining := len(s.ledger.subs)
		s.ledger.subMu.Unlock()
		close(s.ch)
		s.ledger.metrics.SetSubscribers(remaining)
	})
}

// SubscribeEvents registers a live event feed with the given buffer size.
func (l *Ledger) SubscribeEvents(buffer int) *EventSubscription {
	if buffer <= 0 {
		buffer = 64
	}
	l.subMu.Lock()
	l.nextSub++
	sub := &EventSubscription{id: l.nextSub, ch: make(chan events.Entry, buffer), ledger: l}
	l.subs[sub.id] = sub.ch
	count := len(l.subs)
	l.subMu.Unlock()
	l.metrics.SetSubscribers(count)
	return sub
}

// SetBatches replaces the funder's batch set and optionally moves
// incomingFunds from the funder's account into the vault.
func (l *Ledger) SetBatches(funder [20]byte, roots [][32]byte, amounts []*big.Int, incomingFunds *big.Int) error {
	return l.execute("setBatches", func(engine *refund.Engine) error {
		return engine.SetBatches(funder, roots, amounts, incomingFunds)
	})
}

// IncreaseBalance tops up the funder's claimable balance and returns the new
// balance.
func (l *Ledger) IncreaseBalance(funder [20]byte, amount *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := l.execute("increaseBalance", func(engine *refund.Engine) error {
		updated, err := engine.IncreaseBalance(funder, amount)
		if err != nil {
			return err
		}
		balance = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// DecreaseBalance pays the requested amount back to the funder and returns
// the remaining balance.
func (l *Ledger) DecreaseBalance(funder [20]byte, amount *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := l.execute("decreaseBalance", func(engine *refund.Engine) error {
		updated, err := engine.DecreaseBalance(funder, amount)
		if err != nil {
			return err
		}
		balance = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordPayout("decreaseBalance", amount)
	return balance, nil
}

// RemoveBatches clears the funder's batch set, pays out any remaining
// balance, and returns the amount paid.
func (l *Ledger) RemoveBatches(funder [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := l.execute("removeBatches", func(engine *refund.Engine) error {
		amount, err := engine.RemoveBatches(funder)
		if err != nil {
			return err
		}
		paid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordPayout("removeBatches", paid)
	return paid, nil
}

// Claim pays the recipient the amount of the first batch whose root the
// proof verifies against and returns that amount.
func (l *Ledger) Claim(funder, recipient [20]byte, proof [][32]byte) (*big.Int, error) {
	var paid *big.Int
	err := l.execute("claim", func(engine *refund.Engine) error {
		amount, err := engine.Claim(funder, recipient, proof)
		if err != nil {
			return err
		}
		paid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordPayout("claim", paid)
	return paid, nil
}

// Withdraw pays the funder's whole remaining balance back and returns the
// amount paid.
func (l *Ledger) Withdraw(funder [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := l.execute("withdraw", func(engine *refund.Engine) error {
		amount, err := engine.Withdraw(funder)
		if err != nil {
			return err
		}
		paid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordPayout("withdraw", paid)
	return paid, nil
}

// Batches returns the funder's registered batch set in index order.
func (l *Ledger) Batches(funder [20]byte) ([]refund.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryEngine().Batches(funder)
}

// Balance returns the funder's claimable balance.
func (l *Ledger) Balance(funder [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryEngine().Balance(funder)
}

// Claimed reports whether the recipient has already claimed from the funder.
func (l *Ledger) Claimed(funder, recipient [20]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryEngine().Claimed(funder, recipient)
}

// GetAccount returns the account stored at the given address.
func (l *Ledger) GetAccount(addr []byte) (*types.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return refundstate.NewManager(l.trie).GetAccount(addr)
}

func (l *Ledger) queryEngine() *refund.Engine {
	return l.newEngine(refundstate.NewManager(l.trie), &eventCollector{})
}

// VaultAddress returns the module account escrowing funded balances.
func (l *Ledger) VaultAddress() [20]byte {
	return l.vault
}

// Checkpoint returns the last committed ledger position.
func (l *Ledger) Checkpoint() Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Checkpoint{StateRoot: l.root, Revision: l.revision, UpdatedAt: l.updated}
}

// LastEventSeq returns the sequence of the newest journal entry.
func (l *Ledger) LastEventSeq() (uint64, error) {
	return l.journal.LastSeq()
}

// ReplayEvents streams journal entries with sequence greater than after.
func (l *Ledger) ReplayEvents(after uint64, fn func(events.Entry) error) error {
	return l.journal.Replay(after, fn)
}
