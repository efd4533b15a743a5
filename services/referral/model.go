package referral

import (
	"time"

	"platform-economy/pkg/db"
	"platform-economy/services/reward"
)

func init() {
	db.RegisterModels(&ReferralCode{}, &Referral{}, &Activation{})
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type ReferralCode struct {
	Code      string    `gorm:"column:code;primaryKey;type:varchar(32)" json:"code"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

type Referral struct {
	ID             string     `gorm:"column:id;primaryKey" json:"id"`
	ReferrerUserID string     `gorm:"column:referrer_user_id;index;not null" json:"referrer_user_id"`
	ReferredUserID string     `gorm:"column:referred_user_id;uniqueIndex;not null" json:"referred_user_id"`
	Code           string     `gorm:"column:code;type:varchar(32);not null" json:"code"`
	Status         Status     `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// Activation records that a user started their first paid subscription.
type Activation struct {
	UserID         string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	SubscriptionID string    `gorm:"column:subscription_id" json:"subscription_id"`
	ActivatedAt    time.Time `gorm:"column:activated_at" json:"activated_at"`
}

func (Activation) TableName() string {
	return "referral_activations"
}

type CompletionResult struct {
	Referral      *Referral           `json:"referral"`
	Completed     bool                `json:"completed"`
	ReferrerAward *reward.AwardResult `json:"referrer_award,omitempty"`
	ReferredAward *reward.AwardResult `json:"referred_award,omitempty"`
}

type Stats struct {
	UserID      string `json:"user_id"`
	Code        string `json:"code,omitempty"`
	Total       int64  `json:"total"`
	Pending     int64  `json:"pending"`
	Completed   int64  `json:"completed"`
	CoinsEarned int64  `json:"coins_earned"`
}
