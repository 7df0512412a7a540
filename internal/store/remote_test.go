// ABOUTME: Tests for the remote GORM store
// ABOUTME: Runs the shared Store contract against an in-memory sqlite dialector

package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newRemoteTestStore(t *testing.T) Store {
	t.Helper()
	// File-backed sqlite stands in for the MySQL server; the GORM layer is
	// what is under test, not the dialector.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.Join(t.TempDir(), "remote.db"))
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s, err := newRemoteStore(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRemoteStore_Contract(t *testing.T) {
	runStoreContract(t, newRemoteTestStore)
}
