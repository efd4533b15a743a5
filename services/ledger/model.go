package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"platform-economy/pkg/db"

	"gorm.io/datatypes"
)

func init() {
	db.RegisterModels(&CoinBalance{}, &CoinTransaction{})
}

type SourceType string

const (
	SourceQuiz       SourceType = "quiz"
	SourceReferral   SourceType = "referral"
	SourceAdminAward SourceType = "admin_award"
	SourceRedemption SourceType = "redemption"
	SourceCoupon     SourceType = "coupon"
	SourceCommission SourceType = "commission"
	SourceAdjustment SourceType = "adjustment"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceQuiz, SourceReferral, SourceAdminAward, SourceRedemption,
		SourceCoupon, SourceCommission, SourceAdjustment:
		return true
	}
	return false
}

// CoinBalance is derived from the transaction log and always equals the sum
// of the user's CoinTransaction amounts.
type CoinBalance struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	LastHash  string    `gorm:"column:last_hash" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// CoinTransaction is an immutable ledger row. Sequence is the per-user
// position in the hash chain.
type CoinTransaction struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	UserID       string         `gorm:"column:user_id;not null;uniqueIndex:idx_coin_tx_user_seq,priority:1;index:idx_coin_tx_user_created,priority:1" json:"user_id"`
	Sequence     int64          `gorm:"column:sequence;not null;uniqueIndex:idx_coin_tx_user_seq,priority:2" json:"sequence"`
	Amount       int64          `gorm:"column:amount;not null" json:"amount"`
	SourceType   SourceType     `gorm:"column:source_type;type:varchar(32);not null;index" json:"source_type"`
	SourceID     *string        `gorm:"column:source_id" json:"source_id,omitempty"`
	Description  string         `gorm:"column:description" json:"description"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	DedupKey     *string        `gorm:"column:dedup_key;uniqueIndex" json:"-"`
	BalanceAfter int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	PreviousHash string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string         `gorm:"column:hash;not null" json:"hash"`
	CreatedAt    time.Time      `gorm:"column:created_at;index:idx_coin_tx_user_created,priority:2" json:"created_at"`
}

// EntryParams describes one ledger append. Amount is always positive; the
// direction comes from the operation.
type EntryParams struct {
	UserID      string
	Amount      int64
	SourceType  SourceType
	SourceID    string
	Description string
	Metadata    datatypes.JSON
	DedupKey    string
}

type Statistics struct {
	UserID       string               `json:"user_id,omitempty"`
	TotalEarned  int64                `json:"total_earned"`
	TotalSpent   int64                `json:"total_spent"`
	BySourceType map[SourceType]Total `json:"by_source_type"`
}

type Total struct {
	Earned int64 `json:"earned"`
	Spent  int64 `json:"spent"`
	Count  int64 `json:"count"`
}

type TransactionPage struct {
	Transactions []*CoinTransaction `json:"transactions"`
	HasMore      bool               `json:"has_more"`
	Limit        int                `json:"limit"`
	Offset       int                `json:"offset"`
}

type ChainReport struct {
	UserID    string `json:"user_id"`
	Valid     bool   `json:"valid"`
	Checked   int    `json:"checked"`
	BrokenAt  string `json:"broken_at,omitempty"`
	BrokenWhy string `json:"broken_reason,omitempty"`
}

type ReconcileReport struct {
	UserID         string `json:"user_id"`
	StoredBalance  int64  `json:"stored_balance"`
	ReplayedTotal  int64  `json:"replayed_total"`
	Drift          int64  `json:"drift"`
	Repaired       bool   `json:"repaired"`
	TransactionCnt int64  `json:"transaction_count"`
}

func (m *CoinTransaction) HashFields() map[string]string {
	sourceID := ""
	if m.SourceID != nil {
		sourceID = *m.SourceID
	}
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"sequence":      fmt.Sprintf("%d", m.Sequence),
		"amount":        fmt.Sprintf("%d", m.Amount),
		"source_type":   string(m.SourceType),
		"source_id":     sourceID,
		"description":   m.Description,
		"balance_after": fmt.Sprintf("%d", m.BalanceAfter),
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *CoinTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// DedupKey builds the idempotency key of a reward.
func DedupKey(userID string, source SourceType, sourceID string) string {
	return dedupKey("award", userID, string(source), sourceID)
}

// SpendKey builds the idempotency key of a spend the caller keyed itself.
func SpendKey(userID, idempotencyKey string) string {
	return dedupKey("spend", userID, idempotencyKey)
}

// dedupKey length-prefixes every part before hashing, so distinct part lists
// never share a key whatever separators the ids contain.
func dedupKey(kind string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s;", len(p), p)
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
