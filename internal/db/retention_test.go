package db

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sitepulse/internal/config"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)
	return gdb, mock
}

func TestRunRetentionOnce(t *testing.T) {
	gdb, mock := newMockDB(t)

	mock.ExpectExec(`DELETE FROM "events" WHERE occurred <`).
		WillReturnResult(sqlmock.NewResult(0, 42))

	require.NoError(t, runRetentionOnce(gdb, 30))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectRejectsBadDSN(t *testing.T) {
	_, err := Connect(&config.Config{DatabaseURL: ""})
	assert.Error(t, err)

	_, err = Connect(&config.Config{DatabaseURL: "mysql://nope"})
	assert.Error(t, err)
}
