package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"platform-economy/pkg/errutil"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type counter struct {
	ID    string `gorm:"primaryKey"`
	Value int
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&counter{}))

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(ErrRetryable))
	require.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrRetryable)))
	require.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	require.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsTransient(&mysqldriver.MySQLError{Number: 1213}))
	require.False(t, IsTransient(&mysqldriver.MySQLError{Number: 1062}))
	require.False(t, IsTransient(errors.New("boom")))
	require.False(t, IsTransient(nil))
}

func TestIsDuplicate(t *testing.T) {
	require.True(t, IsDuplicate(gorm.ErrDuplicatedKey))
	require.True(t, IsDuplicate(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsDuplicate(&mysqldriver.MySQLError{Number: 1062}))
	require.False(t, IsDuplicate(errors.New("boom")))
}

func TestTransaction_RetriesThenSucceeds(t *testing.T) {
	gdb := newTestDB(t)
	require.NoError(t, gdb.Create(&counter{ID: "c", Value: 0}).Error)

	attempts := 0
	err := Transaction(context.Background(), gdb, 3, func(tx *gorm.DB) error {
		attempts++
		if err := tx.Model(&counter{}).Where("id = ?", "c").
			Update("value", gorm.Expr("value + 1")).Error; err != nil {
			return err
		}
		if attempts < 3 {
			return ErrRetryable
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	var c counter
	require.NoError(t, gdb.First(&c, "id = ?", "c").Error)
	require.Equal(t, 1, c.Value, "rolled back attempts must not leak writes")
}

func TestTransaction_ExhaustedIsConflict(t *testing.T) {
	gdb := newTestDB(t)

	attempts := 0
	err := Transaction(context.Background(), gdb, 2, func(tx *gorm.DB) error {
		attempts++
		return ErrRetryable
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errutil.ErrConflict)
	require.Equal(t, 3, attempts)
}

func TestTransaction_NonTransientReturnsImmediately(t *testing.T) {
	gdb := newTestDB(t)

	boom := errors.New("boom")
	attempts := 0
	err := Transaction(context.Background(), gdb, 3, func(tx *gorm.DB) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestTransaction_CanceledContext(t *testing.T) {
	gdb := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Transaction(ctx, gdb, 3, func(tx *gorm.DB) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtractDBNameFromDSN(t *testing.T) {
	require.Equal(t, "economy", extractDBNameFromDSN("host=x user=y dbname=economy port=5432"))
	require.Equal(t, "economy", extractDBNameFromDSN("u:p@tcp(h:3306)/economy?parseTime=True"))
	require.Equal(t, "unknown", extractDBNameFromDSN("nothing"))
}
