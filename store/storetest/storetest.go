// Package storetest opens throwaway in-memory databases for package tests.
package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

// NewDB returns a migrated sqlite database that lives as long as the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a new database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, db.AutoMigrate(types.AllModels()...))
	return db
}

func NewStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(NewDB(t))
}
