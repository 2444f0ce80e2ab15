package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DepositStatus represents a state in the deposit lifecycle. Transitions only
// move forward: PENDING -> CONFIRMED -> CREDITED, or -> FAILED from any
// non-terminal state.
type DepositStatus string

// All deposit lifecycle states.
const (
	StatusPending   DepositStatus = "PENDING"
	StatusConfirmed DepositStatus = "CONFIRMED"
	StatusCredited  DepositStatus = "CREDITED"
	StatusFailed    DepositStatus = "FAILED"
)

// User carries the click balance ledger and referral state for one platform
// account. The durable row is authoritative; the Redis counter mirrors
// AvailableClicks for low-latency reads.
type User struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Wallet               string     `gorm:"size:64;index"`
	AvailableClicks      int64      `gorm:"not null;default:0"`
	TotalPurchased       int64      `gorm:"not null;default:0"`
	ReferredByID         *uuid.UUID `gorm:"type:uuid;index"`
	ReferralBonusPending bool       `gorm:"not null;default:false"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DepositAddress maps a derived deposit address to its owning user. One row
// per user; the derivation index is globally unique.
type DepositAddress struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Address         string    `gorm:"size:64;uniqueIndex"`
	DerivationIndex uint32    `gorm:"uniqueIndex"`
	CreatedAt       time.Time
}

// Deposit tracks one detected on-chain transfer through its lifecycle. TxHash
// uniqueness is the idempotency key; rows are never deleted.
type Deposit struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID     `gorm:"type:uuid;index"`
	TxHash         string        `gorm:"size:80;uniqueIndex"`
	Token          string        `gorm:"size:16"`
	Amount         string        `gorm:"size:80"`
	BlockNumber    uint64        `gorm:"not null;default:0"`
	Confirmations  uint64        `gorm:"not null;default:0"`
	Status         DepositStatus `gorm:"size:16;index"`
	DepositAddress string        `gorm:"size:64;index"`
	ClicksCredited int64         `gorm:"not null;default:0"`
	IsFirstDeposit bool          `gorm:"not null;default:false"`
	DetectedAt     time.Time
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditLog is the append-only forensic trail: every credit, referral payout,
// and reconciliation discrepancy lands here. Rows are never mutated.
type AuditLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType string    `gorm:"size:64;index"`
	Actor     string    `gorm:"size:64"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// ReferralReward records a referral bonus paid to a referrer for a referred
// user's first credited deposit.
type ReferralReward struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReferrerID   uuid.UUID `gorm:"type:uuid;index"`
	ReferredID   uuid.UUID `gorm:"type:uuid;index"`
	DepositID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	ClicksEarned int64     `gorm:"not null"`
	Status       string    `gorm:"size:16"`
	CreatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the watcher.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&DepositAddress{},
		&Deposit{},
		&AuditLog{},
		&ReferralReward{},
	)
}
