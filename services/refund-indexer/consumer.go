package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"nhooyr.io/websocket"

	"refundledger/core/events"
)

// Consumer tails the ledger's websocket event stream and materialises typed
// rows. It resumes from the stored cursor, so restarts and dropped
// connections replay the journal instead of losing entries.
type Consumer struct {
	db          *gorm.DB
	ledgerURL   string
	dialTimeout time.Duration
	backoff     time.Duration
	httpClient  *http.Client
	log         *slog.Logger

	// onEntry is invoked after an entry is applied. Tests use it to observe
	// progress; it is nil in production.
	onEntry func(events.Entry)
}

// NewConsumer wires a consumer against the configured ledger endpoint.
func NewConsumer(db *gorm.DB, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if db == nil {
		return nil, errors.New("indexer: db is required")
	}
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		return nil, errors.New("indexer: ledger url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := cfg.Consumer.DialTimeout.Duration
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	backoff := cfg.Consumer.Backoff.Duration
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Consumer{
		db:          db,
		ledgerURL:   cfg.LedgerURL,
		dialTimeout: dialTimeout,
		backoff:     backoff,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:         logger.With("component", "consumer"),
	}, nil
}

// Run consumes the stream until the context is cancelled, reconnecting with
// backoff after any failure.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("event stream interrupted", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	cursor, err := LoadCursor(c.db)
	if err != nil {
		return err
	}
	target, err := streamURL(c.ledgerURL, cursor)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	c.log.Info("event stream connected", slog.Uint64("cursor", cursor))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var entry events.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.log.Warn("skipping undecodable stream frame", slog.Any("error", err))
			continue
		}
		if !entry.Verify() {
			return fmt.Errorf("entry %d failed digest verification", entry.Seq)
		}
		if err := Apply(c.db, entry); err != nil {
			return fmt.Errorf("apply entry %d: %w", entry.Seq, err)
		}
		if c.onEntry != nil {
			c.onEntry(entry)
		}
	}
}

// streamURL rewrites the ledger base URL into the websocket event endpoint
// with the resume cursor attached.
func streamURL(base string, cursor uint64) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ledger url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws/events"
	parsed.RawQuery = url.Values{"cursor": []string{strconv.FormatUint(cursor, 10)}}.Encode()
	return parsed.String(), nil
}

// LoadCursor returns the consumer's stored resume position, zero when the
// indexer has never applied an entry.
func LoadCursor(db *gorm.DB) (uint64, error) {
	var cursor Cursor
	err := db.First(&cursor, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.LastSeq, nil
}

// Apply materialises one journal entry and advances the cursor inside a
// single transaction. Applying the same entry twice is a no-op, which makes
// backlog replays after reconnects safe.
func Apply(db *gorm.DB, entry events.Entry) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := applyEntry(tx, entry); err != nil {
			return err
		}
		return advanceCursor(tx, entry.Seq)
	})
}

func applyEntry(tx *gorm.DB, entry events.Entry) error {
	attrs := entry.Attributes
	switch entry.Type {
	case events.TypeRefunded:
		batchIndex, err := strconv.ParseUint(attrs["batchIndex"], 10, 32)
		if err != nil {
			return fmt.Errorf("entry %d: bad batchIndex %q", entry.Seq, attrs["batchIndex"])
		}
		return insertRow(tx, &Claim{
			ID:         rowID(entry),
			Seq:        entry.Seq,
			Funder:     attrs["funder"],
			Recipient:  attrs["recipient"],
			Root:       attrs["root"],
			BatchIndex: uint32(batchIndex),
			AmountWei:  attrs["amount"],
			EmittedAt:  entry.EmittedAt,
		})
	case events.TypeRefundBalanceIncreased:
		return insertRow(tx, movement(entry, MovementFund, attrs["amount"], attrs["newBalance"]))
	case events.TypeRefundBalanceDecreased:
		return insertRow(tx, movement(entry, MovementDecrease, attrs["amount"], attrs["newBalance"]))
	case events.TypeRefundBalanceWithdrawn:
		return insertRow(tx, movement(entry, MovementWithdraw, attrs["amount"], ""))
	case events.TypeRefundBatchesChanged:
		change := &BatchChange{
			ID:         rowID(entry),
			Seq:        entry.Seq,
			Funder:     attrs["funder"],
			Action:     BatchActionSet,
			Roots:      attrs["roots"],
			Amounts:    attrs["amounts"],
			BatchCount: countList(attrs["roots"]),
			EmittedAt:  entry.EmittedAt,
		}
		if err := insertRow(tx, change); err != nil {
			return err
		}
		if incoming := attrs["incomingFunds"]; incoming != "" {
			return insertRow(tx, movement(entry, MovementIncoming, incoming, ""))
		}
		return nil
	case events.TypeRefundBatchesRemoved:
		change := &BatchChange{
			ID:         rowID(entry),
			Seq:        entry.Seq,
			Funder:     attrs["funder"],
			Action:     BatchActionRemoved,
			Roots:      attrs["roots"],
			Amounts:    attrs["amounts"],
			BatchCount: countList(attrs["roots"]),
			EmittedAt:  entry.EmittedAt,
		}
		if err := insertRow(tx, change); err != nil {
			return err
		}
		if payout := attrs["balance"]; payout != "" && payout != "0" {
			return insertRow(tx, movement(entry, MovementRemovalPayout, payout, ""))
		}
		return nil
	default:
		// Unknown event types are skipped, the cursor still advances.
		return nil
	}
}

func movement(entry events.Entry, kind, amount, newBalance string) *FundingMovement {
	return &FundingMovement{
		ID:            rowID(entry),
		Seq:           entry.Seq,
		Funder:        entry.Attributes["funder"],
		Kind:          kind,
		AmountWei:     amount,
		NewBalanceWei: newBalance,
		EmittedAt:     entry.EmittedAt,
	}
}

// insertRow inserts with ON CONFLICT DO NOTHING across every uniqueness
// constraint: a replayed entry collides on both id and seq, so a single
// conflict target would still error on the other.
func insertRow(tx *gorm.DB, row interface{}) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func advanceCursor(tx *gorm.DB, seq uint64) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Cursor{ID: 1}).Error; err != nil {
		return err
	}
	return tx.Model(&Cursor{}).Where("id = ? AND last_seq < ?", 1, seq).Update("last_seq", seq).Error
}

// rowID reuses the journal entry's UUID so rows stay traceable back to the
// journal; a fresh ID is minted only for malformed entries.
func rowID(entry events.Entry) uuid.UUID {
	if id, err := uuid.Parse(entry.ID); err == nil {
		return id
	}
	return uuid.New()
}

func countList(raw string) int {
	if strings.TrimSpace(raw) == "" {
		return 0
	}
	return len(strings.Split(raw, ","))
}
