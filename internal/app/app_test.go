package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/price-tracker/internal/adapter/httpfetch"
	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/usecase"
	"github.com/user/price-tracker/pkg/config"
)

func testConfig(t *testing.T, overrides map[string]interface{}) *config.Config {
	t.Helper()
	v := config.Defaults()
	v.Set("STORE_DRIVER", "sqlite")
	v.Set("SQLITE_PATH", filepath.Join(t.TempDir(), "tracker.db"))
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestRefreshConfig(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{"FETCH_FAULT_POLICY": "isolate", "COLLECT_WORKERS": 4})
	rc := RefreshConfig(cfg)
	assert.Equal(t, usecase.FaultIsolate, rc.FaultPolicy)
	assert.Equal(t, 4, rc.CollectWorkers)
	assert.Equal(t, cfg.Fetch.MaxStaleness, rc.MaxStaleness)
	assert.Equal(t, entity.DefaultLadder, rc.Ladder)
	assert.Equal(t, cfg.Catalog.PriceSeriesURL, rc.PriceSeriesURL)
}

func TestNewCorrelator(t *testing.T) {
	logger := zaptest.NewLogger(t)

	c, err := NewCorrelator(testConfig(t, nil), nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &httpfetch.Correlator{}, c)

	_, err = NewCorrelator(testConfig(t, map[string]interface{}{"FETCH_MODE": "deferred"}), nil, logger)
	assert.Error(t, err)
}

func TestNewExtractorDerivesBase(t *testing.T) {
	e, err := NewExtractor(config.CatalogConfig{CategoryStartURL: "https://catalog.test/cat/%d.html"})
	require.NoError(t, err)
	id, err := e.ProductIDFromURL("/offers/4711_-some-product.html")
	require.NoError(t, err)
	assert.Equal(t, int64(4711), id)
}

func TestBuildSQLite(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(ctx, testConfig(t, nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Redis)
	require.NoError(t, rt.Store.Ping(ctx))
	runs, err := rt.Store.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	assert.Empty(t, runs)
	_, ok := rt.Refresher.LastReport(entity.KindProduct)
	assert.False(t, ok)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "mysql"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
