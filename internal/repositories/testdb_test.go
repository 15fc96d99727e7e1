package repositories

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// newTestDB opens a fresh in-memory SQLite database with the real migrations
// applied, so constraint behaviour matches production.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}
