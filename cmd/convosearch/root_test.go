package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/searcher"
	"github.com/dshills/convosearch/pkg/types"
)

func withFlags(t *testing.T, cfg, data, level string) {
	t.Helper()
	oldCfg, oldData, oldLevel := cfgFile, dataDir, logLevel
	cfgFile, dataDir, logLevel = cfg, data, level
	t.Cleanup(func() { cfgFile, dataDir, logLevel = oldCfg, oldData, oldLevel })
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	withFlags(t, filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "index"), "debug")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "index"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfigInit_WritesLoadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	withFlags(t, path, filepath.Join(dir, "index"), "")

	require.NoError(t, runConfigInit(configInitCmd, nil))
	assert.FileExists(t, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "index"), cfg.DataDir)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "claude", cfg.Sources[0].Tool)

	t.Run("refuses to overwrite", func(t *testing.T) {
		assert.Error(t, runConfigInit(configInitCmd, nil))
	})
}

func TestPageRange(t *testing.T) {
	resp := &searcher.Response{Page: types.Page{
		Results:  make([]types.SearchResult, 3),
		Total:    13,
		Index:    2,
		PageSize: 5,
	}}
	first, last := pageRange(resp)
	assert.Equal(t, 11, first)
	assert.Equal(t, 13, last)
}
