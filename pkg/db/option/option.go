package option

import (
	"fmt"
	"strings"

	"platform-economy/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

const (
	defaultLimit = 20
	maxLimit     = 250
)

// Apply runs every option against db in order.
func Apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		if opt != nil {
			db = opt(db)
		}
	}
	return db
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			if c.Field == "" || !validOperator(c.Operator) {
				continue
			}
			if c.Operator == IN {
				db = db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
				continue
			}
			db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
		return db
	}
}

func validOperator(op Operator) bool {
	switch op {
	case EQ, NEQ, GT, GTE, LT, LTE, IN:
		return true
	}
	return false
}

// WithSortBy orders by SortBy when it is listed in Allow. An empty SortBy
// falls back to created_at.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" {
			column = "created_at"
		} else if s.Allow != nil && !s.Allow[column] {
			return db
		}

		desc := strings.EqualFold(s.OrderBy, "desc") || s.OrderBy == ""
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

// WithTieBreaker adds a secondary ordering, usually on the primary key.
func WithTieBreaker(column string, desc bool) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = defaultLimit
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		db = db.Limit(limit)
		if p.Offset > 0 {
			db = db.Offset(p.Offset)
		}
		return db
	}
}

// LockingUpdate is a gorm scope adding SELECT ... FOR UPDATE.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// EffectiveLimit returns the limit ApplyPagination would use.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
