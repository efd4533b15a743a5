package coupon

import (
	"time"

	"platform-economy/pkg/db"
	"platform-economy/pkg/errutil"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func init() {
	db.RegisterModels(&CouponCode{}, &CouponUsage{})
}

type Type string

const (
	TypePercentage  Type = "percentage"
	TypeFixedAmount Type = "fixed_amount"
	TypeFreeTrial   Type = "free_trial"
)

type PartnerType string

const (
	PartnerNone      PartnerType = "none"
	PartnerReferral  PartnerType = "referral"
	PartnerAffiliate PartnerType = "affiliate"
)

type UsageStatus string

const (
	UsageApplied  UsageStatus = "applied"
	UsageReversed UsageStatus = "reversed"
)

type CouponCode struct {
	ID              string                      `gorm:"column:id;primaryKey" json:"id"`
	Code            string                      `gorm:"column:code;type:varchar(64);uniqueIndex;not null" json:"code"`
	Type            Type                        `gorm:"column:type;type:varchar(20);not null" json:"type"`
	DiscountValue   decimal.Decimal             `gorm:"column:discount_value;type:decimal(20,4);not null" json:"discount_value"`
	MinimumAmount   decimal.Decimal             `gorm:"column:minimum_amount;type:decimal(20,4);not null" json:"minimum_amount"`
	MaximumDiscount decimal.NullDecimal         `gorm:"column:maximum_discount;type:decimal(20,4)" json:"maximum_discount"`
	PartnerType     PartnerType                 `gorm:"column:partner_type;type:varchar(20);not null" json:"partner_type"`
	PartnerID       *string                     `gorm:"column:partner_id;index" json:"partner_id,omitempty"`
	UsageLimit      *int64                      `gorm:"column:usage_limit" json:"usage_limit,omitempty"`
	UserLimit       *int64                      `gorm:"column:user_limit" json:"user_limit,omitempty"`
	StartsAt        time.Time                   `gorm:"column:starts_at" json:"starts_at"`
	ExpiresAt       *time.Time                  `gorm:"column:expires_at" json:"expires_at,omitempty"`
	ApplicablePlans datatypes.JSONSlice[string] `gorm:"column:applicable_plans" json:"applicable_plans"`
	EligibilityExpr string                      `gorm:"column:eligibility_expr;type:text" json:"eligibility_expr,omitempty"`
	IsActive        bool                        `gorm:"column:is_active;index" json:"is_active"`
	CreatedBy       string                      `gorm:"column:created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

type CouponUsage struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	CouponCodeID    string          `gorm:"column:coupon_code_id;index:idx_coupon_usage_coupon_status,priority:1;not null" json:"coupon_code_id"`
	UserID          string          `gorm:"column:user_id;index;not null" json:"user_id"`
	SubscriptionID  string          `gorm:"column:subscription_id;index" json:"subscription_id"`
	PlanID          string          `gorm:"column:plan_id" json:"plan_id"`
	OrderAmount     decimal.Decimal `gorm:"column:order_amount;type:decimal(20,4);not null" json:"order_amount"`
	DiscountApplied decimal.Decimal `gorm:"column:discount_applied;type:decimal(20,4);not null" json:"discount_applied"`
	Status          UsageStatus     `gorm:"column:status;type:varchar(20);index:idx_coupon_usage_coupon_status,priority:2;not null" json:"status"`
	UsedAt          time.Time       `gorm:"column:used_at" json:"used_at"`
	ReversedAt      *time.Time      `gorm:"column:reversed_at" json:"reversed_at,omitempty"`
	ReversedBy      string          `gorm:"column:reversed_by" json:"reversed_by,omitempty"`
	// ActiveKey is coupon/subscription while applied and NULL otherwise, so
	// a subscription holds at most one applied usage per coupon.
	ActiveKey       *string         `gorm:"column:active_key;type:varchar(191);uniqueIndex" json:"-"`
}

func activeKey(couponID, subscriptionID string) *string {
	if subscriptionID == "" {
		return nil
	}
	k := couponID + "/" + subscriptionID
	return &k
}

type CreateCouponParams struct {
	Code            string              `json:"code"`
	Type            Type                `json:"type" binding:"required"`
	DiscountValue   decimal.Decimal     `json:"discount_value"`
	MinimumAmount   decimal.Decimal     `json:"minimum_amount"`
	MaximumDiscount decimal.NullDecimal `json:"maximum_discount"`
	PartnerType     PartnerType         `json:"partner_type"`
	PartnerID       string              `json:"partner_id"`
	UsageLimit      *int64              `json:"usage_limit"`
	UserLimit       *int64              `json:"user_limit"`
	StartsAt        *time.Time          `json:"starts_at"`
	ExpiresAt       *time.Time          `json:"expires_at"`
	ApplicablePlans []string            `json:"applicable_plans"`
	EligibilityExpr string              `json:"eligibility_expr"`
}

// Subscription is the order a coupon is applied to.
type Subscription struct {
	ID     string          `json:"id"`
	PlanID string          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
}

// ValidationResult answers whether a coupon can be applied. Business rule
// failures set Valid=false and Reason; they are not errors.
type ValidationResult struct {
	Valid     bool            `json:"valid"`
	Reason    errutil.Reason  `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Discount  decimal.Decimal `json:"discount"`
	FreeTrial bool            `json:"free_trial"`
	Coupon    *CouponCode     `json:"coupon,omitempty"`
}

type Stats struct {
	CouponID      string          `json:"coupon_id"`
	Code          string          `json:"code"`
	Applied       int64           `json:"applied"`
	Reversed      int64           `json:"reversed"`
	UniqueUsers   int64           `json:"unique_users"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	Remaining     *int64          `json:"remaining,omitempty"`
}
