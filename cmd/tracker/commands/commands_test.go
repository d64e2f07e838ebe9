package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/price-tracker/internal/adapter/sqlite"
	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/usecase"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.db")
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateAndListRuns(t *testing.T) {
	path := setupEnv(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")

	db, err := sqlite.Open(path, nil)
	require.NoError(t, err)
	store := sqlite.NewStore(db)
	issued := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(context.Background(), entity.UpdateRun{Kind: entity.KindProduct, EntityID: 42, IssuedAt: issued, Resolution: "P3M"}))
	require.NoError(t, db.Close())

	out, err = execute(t, "runs", "product")
	require.NoError(t, err)
	assert.Contains(t, out, "RESOLUTION")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "2024-03-10T12:00:00Z")
	assert.Contains(t, out, "P3M")
}

func TestRunsRejectsUnknownKind(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "runs", "offers")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidID(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "load", "abc")
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, usecase.RefreshReport{
		Kind:        entity.KindProduct,
		Created:     3,
		Retired:     2,
		Faulted:     1,
		Resolutions: map[string]int{"P3M": 1, "P1M": 2},
		Duration:    1500 * time.Millisecond,
	})
	assert.Equal(t, "product refresh: resumed=0 created=3 retired=2 faulted=1 in 1.5s\n  P1M    2\n  P3M    1\n", out.String())
}
