package reward

import (
	"time"

	"platform-economy/pkg/db"
	"platform-economy/services/ledger"

	"gorm.io/datatypes"
)

func init() {
	db.RegisterModels(&RedemptionOption{})
}

type AwardParams struct {
	UserID      string
	Amount      int64
	SourceType  ledger.SourceType
	SourceID    string
	Description string
	Metadata    datatypes.JSON
	ActorID     string
}

// AwardResult reports the state after an award. AlreadyAwarded is set when an
// earlier award for the same (user, source_type, source_id) exists; Transaction
// is then that earlier row.
type AwardResult struct {
	Balance        int64                   `json:"balance"`
	Transaction    *ledger.CoinTransaction `json:"transaction"`
	AlreadyAwarded bool                    `json:"already_awarded"`
}

type SpendParams struct {
	UserID      string
	Amount      int64
	SourceType  ledger.SourceType
	SourceID    string
	Description string
	Metadata    datatypes.JSON
	// IdempotencyKey, when set, makes a repeated spend return the first
	// debit instead of charging again.
	IdempotencyKey string
}

type SpendResult struct {
	Balance     int64                   `json:"balance"`
	Transaction *ledger.CoinTransaction `json:"transaction"`
	Replayed    bool                    `json:"replayed"`
}

type RedemptionOption struct {
	ID              string         `gorm:"column:id;primaryKey" json:"id"`
	Name            string         `gorm:"column:name;not null" json:"name"`
	Slug            string         `gorm:"column:slug;type:varchar(128);uniqueIndex;not null" json:"slug"`
	Description     string         `gorm:"column:description" json:"description"`
	CoinPrice       int64          `gorm:"column:coin_price;not null" json:"coin_price"`
	FulfillmentType string         `gorm:"column:fulfillment_type;type:varchar(50);not null" json:"fulfillment_type"`
	IsActive        bool           `gorm:"column:is_active;index" json:"is_active"`
	Metadata        datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedBy       string         `gorm:"column:created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

type CreateRedemptionOptionParams struct {
	Name            string         `json:"name" binding:"required"`
	Description     string         `json:"description"`
	CoinPrice       int64          `json:"coin_price" binding:"required"`
	FulfillmentType string         `json:"fulfillment_type" binding:"required"`
	Metadata        datatypes.JSON `json:"metadata"`
}

type RedeemResult struct {
	Option      *RedemptionOption       `json:"option"`
	Transaction *ledger.CoinTransaction `json:"transaction"`
	Balance     int64                   `json:"balance"`
	TaskKey     string                  `json:"task_key"`
}
