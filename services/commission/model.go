package commission

import (
	"time"

	"platform-economy/pkg/db"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func init() {
	db.RegisterModels(&CommissionPayment{})
}

// CurrencyCoin payments settle into the partner's coin balance when paid.
const CurrencyCoin = "COIN"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

type PaymentType string

const (
	TypeCommission PaymentType = "commission"
	TypeManual     PaymentType = "manual"
	TypeBonus      PaymentType = "bonus"
)

func (t PaymentType) Valid() bool {
	switch t {
	case TypeCommission, TypeManual, TypeBonus:
		return true
	}
	return false
}

type CommissionPayment struct {
	ID               string          `gorm:"column:id;primaryKey" json:"id"`
	PartnerID        string          `gorm:"column:partner_id;uniqueIndex:idx_commission_partner_source,priority:1;index:idx_commission_partner_created,priority:1;not null" json:"partner_id"`
	Amount           decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null" json:"amount"`
	Currency         string          `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	PaymentMethod    string          `gorm:"column:payment_method;type:varchar(32)" json:"payment_method,omitempty"`
	PaymentType      PaymentType     `gorm:"column:payment_type;type:varchar(20);not null" json:"payment_type"`
	Status           Status          `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	PaymentReference string          `gorm:"column:payment_reference;type:varchar(64);index" json:"payment_reference,omitempty"`
	Notes            string          `gorm:"column:notes;type:text" json:"notes,omitempty"`
	FailureReason    string          `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	ProcessedBy      *string         `gorm:"column:processed_by" json:"processed_by,omitempty"`
	ProcessedAt      *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	PaidAt           *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	FailedAt         *time.Time      `gorm:"column:failed_at" json:"failed_at,omitempty"`
	ResubmittedFrom  *string         `gorm:"column:resubmitted_from;index" json:"resubmitted_from,omitempty"`
	SourceID         *string         `gorm:"column:source_id;uniqueIndex:idx_commission_partner_source,priority:2" json:"source_id,omitempty"`
	Metadata         datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedBy        string          `gorm:"column:created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;index:idx_commission_partner_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

type CreatePaymentParams struct {
	PartnerID     string          `json:"partner_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	PaymentType   PaymentType     `json:"payment_type"`
	Notes         string          `json:"notes"`
	Metadata      datatypes.JSON  `json:"metadata"`
}

// AccrueParams describes a commission earned from an order. Amount is
// derived from OrderAmount minus Discount at the configured rate.
type AccrueParams struct {
	PartnerID   string
	SourceID    string
	OrderAmount decimal.Decimal
	Discount    decimal.Decimal
	Metadata    datatypes.JSON
}

type ProcessParams struct {
	Reference string `json:"reference"`
	Notes     string `json:"notes"`
}

// BulkResult reports the outcome of one id in a bulk run. Err is nil on success.
type BulkResult struct {
	PaymentID string             `json:"payment_id"`
	Payment   *CommissionPayment `json:"payment,omitempty"`
	Err       error              `json:"-"`
	Error     string             `json:"error,omitempty"`
}

type PaymentPage struct {
	Payments []*CommissionPayment `json:"payments"`
	HasMore  bool                 `json:"has_more"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
}

type StatusTotal struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type Statistics struct {
	PartnerID string                 `json:"partner_id,omitempty"`
	ByStatus  map[Status]StatusTotal `json:"by_status"`
	TotalPaid decimal.Decimal        `json:"total_paid"`
	Owed      decimal.Decimal        `json:"owed"`
}
