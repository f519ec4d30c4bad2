package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Funding movement kinds. Claims live in their own table; everything else
// that moves value for a funder lands here.
const (
	MovementFund          = "fund"
	MovementIncoming      = "incoming_funds"
	MovementDecrease      = "decrease"
	MovementWithdraw      = "withdraw"
	MovementRemovalPayout = "removal_payout"
)

// Batch change actions.
const (
	BatchActionSet     = "set"
	BatchActionRemoved = "removed"
)

// Claim mirrors one paid refund. Seq is the journal sequence of the event, so
// replays upsert instead of duplicating.
type Claim struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex"`
	Funder     string    `gorm:"size:64;index"`
	Recipient  string    `gorm:"size:64;index"`
	Root       string    `gorm:"size:66;index"`
	BatchIndex uint32
	AmountWei  string `gorm:"size:80"`
	EmittedAt  time.Time
	CreatedAt  time.Time
}

// FundingMovement records every balance change on a funder's pool: deposits,
// exact-amount decreases, full withdrawals, and removal payouts.
type FundingMovement struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq           uint64    `gorm:"uniqueIndex"`
	Funder        string    `gorm:"size:64;index"`
	Kind          string    `gorm:"size:32;index"`
	AmountWei     string    `gorm:"size:80"`
	NewBalanceWei string    `gorm:"size:80"`
	EmittedAt     time.Time
	CreatedAt     time.Time
}

// BatchChange records each wholesale replacement or removal of a funder's
// batch set, with the roots and amounts it carried.
type BatchChange struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex"`
	Funder     string    `gorm:"size:64;index"`
	Action     string    `gorm:"size:16;index"`
	Roots      string    `gorm:"type:text"`
	Amounts    string    `gorm:"type:text"`
	BatchCount int
	EmittedAt  time.Time
	CreatedAt  time.Time
}

// Cursor stores the consumer's resume position. A single row with ID 1.
type Cursor struct {
	ID        uint `gorm:"primaryKey"`
	LastSeq   uint64
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Claim{},
		&FundingMovement{},
		&BatchChange{},
		&Cursor{},
	)
}
