package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
)

func TestNewStore_CreatesSchemaAndSettingsRow(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8}
	store, err := NewStore(logger, config)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	var model string
	row := store.DB().DB().QueryRowContext(ctx, "SELECT model FROM settings WHERE id = 1")
	require.NoError(t, row.Scan(&model))
	assert.Equal(t, "sonnet", model)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8}
	store, err := NewStore(logger, config)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.DB().migrate())
	require.NoError(t, store.DB().migrate())

	var count int
	row := store.DB().DB().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM schema_migrations")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)
}

func TestColumnExists(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.SQLiteConfig{Path: ":memory:", WALMode: false, BusyTimeoutMS: 1000, CacheSizeMB: 8}
	store, err := NewStore(logger, config)
	require.NoError(t, err)
	defer store.Close()

	tx, err := store.DB().DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	exists, err := columnExists(context.Background(), tx, "jobs", "completion_phase")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = columnExists(context.Background(), tx, "jobs", "no_such_column")
	require.NoError(t, err)
	assert.False(t, exists)
}
