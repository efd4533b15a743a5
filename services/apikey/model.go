package apikey

import (
	"time"

	"platform-economy/pkg/db"
)

func init() {
	db.RegisterModels(&APIKey{})
}

const KeyPrefix = "eck_"

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// APIKey is a credential for a trusted backend caller. Only the bcrypt hash of
// the secret is stored.
type APIKey struct {
	ID         string     `gorm:"column:id;primaryKey" json:"id"`
	Name       string     `gorm:"column:name;not null" json:"name"`
	KeyID      string     `gorm:"column:key_id;uniqueIndex;not null" json:"key_id"`
	SecretHash string     `gorm:"column:secret_hash;not null" json:"-"`
	Status     Status     `gorm:"column:status;not null;default:'active'" json:"status"`
	CreatedBy  *string    `gorm:"column:created_by" json:"created_by,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ExpiresAt  *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	RevokedAt  *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

type IssueParams struct {
	Name      string
	ExpiresAt *time.Time
}

// Issued carries the plaintext token. It is returned once and never stored.
type Issued struct {
	Key   *APIKey `json:"key"`
	Token string  `json:"token"`
}
