package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/liidi/scoutd/internal/common"
)

func newTestConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "scoutd.db")
	cfg.DataDir = t.TempDir()
	cfg.Recovery.PeriodicSweep = false
	return cfg
}

func TestApp_NewWiresQueueAndStoreAgainstSharedRegistry(t *testing.T) {
	cfg := newTestConfig(t)
	logger := arbor.NewLogger()

	application, err := New(cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, application.Store)
	require.NotNil(t, application.Queue)
	require.NotNil(t, application.Events)

	t.Cleanup(func() { application.Shutdown(context.Background()) })

	require.Empty(t, application.Queue.Registry().ListActive(), "a freshly wired queue has no active jobs")
}

func TestApp_StartRunsRecoverySweepWithoutError(t *testing.T) {
	cfg := newTestConfig(t)
	logger := arbor.NewLogger()

	application, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Start(ctx))

	require.NoError(t, application.Shutdown(context.Background()))
}

func TestApp_ShutdownIsSafeWithoutStart(t *testing.T) {
	cfg := newTestConfig(t)
	logger := arbor.NewLogger()

	application, err := New(cfg, logger)
	require.NoError(t, err)

	require.NoError(t, application.Shutdown(context.Background()))
}
