package db

import (
	"context"
	"errors"
	"time"

	"platform-economy/pkg/config"
	"platform-economy/pkg/errutil"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRetryable marks a transaction attempt that lost an optimistic race
// and should be replayed from the start.
var ErrRetryable = errors.New("db: retryable conflict")

const defaultMaxRetries = 3

// Transactor runs callbacks inside a database transaction and replays
// them when the database reports a serialization failure.
type Transactor struct {
	db         *gorm.DB
	maxRetries int
}

func NewTransactor(db *gorm.DB, cfg *config.Config) *Transactor {
	return NewTransactorWithRetries(db, cfg.Database.MaxTxRetries)
}

func NewTransactorWithRetries(db *gorm.DB, retries int) *Transactor {
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Transactor{db: db, maxRetries: retries}
}

func (t *Transactor) DB() *gorm.DB {
	return t.db
}

func (t *Transactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return Transaction(ctx, t.db, t.maxRetries, fn)
}

// Transaction runs fn in a transaction, retrying up to retries times on
// transient failures. Exhausted retries surface as errutil.ErrConflict.
func Transaction(ctx context.Context, db *gorm.DB, retries int, fn func(tx *gorm.DB) error) error {
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		lastErr = err
		zap.L().Debug("[DB] transient transaction failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		backoff(ctx, attempt)
	}

	return errutil.Wrap(errutil.ErrConflict, "transaction retries exhausted", errutil.WithErr(lastErr))
}

func backoff(ctx context.Context, attempt int) {
	d := time.Duration(attempt+1) * 5 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// IsTransient reports whether err is a deadlock, serialization failure,
// lock timeout or an optimistic-concurrency miss.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205:
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return false
}

// IsDuplicate reports a unique-constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}
