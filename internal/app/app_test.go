package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangavault/internal/browser"
	"mangavault/pkg/models"
	"mangavault/pkg/utils"
)

func TestNewWiresEngineWithoutBrowser(t *testing.T) {
	dir := t.TempDir()
	cfg := utils.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "vault.db")
	cfg.ImageDir = filepath.Join(dir, "images")

	e, err := New(cfg, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, cfg.DBPath, e.DBPath)
	assert.Equal(t, cfg.ImageDir, e.Store.Root())
	assert.Equal(t, browser.Uninitialized, e.Sessions.State())
	assert.Zero(t, e.Sessions.Launches())

	ctx := context.Background()
	_, err = e.Records.Upsert(ctx, 1, []models.ChapterCounts{{ChapterID: 2, TotalImages: 3}})
	require.NoError(t, err)
	backlog, err := e.Records.GetIncomplete(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, backlog, 1)

	require.NoError(t, e.Close())
}

func TestPipelineConfig(t *testing.T) {
	cfg := utils.DefaultConfig()
	cfg.ExtractWorkers = 2
	cfg.ItemTimeout = 0
	cfg.PollRetries = 4

	pc := PipelineConfig(cfg)
	assert.Equal(t, 2, pc.Workers)
	assert.Equal(t, 45*time.Second, pc.ItemTimeout)
	assert.Equal(t, 4, pc.PollRetries)
	assert.Equal(t, cfg.RequestsPerSecond, pc.NavigationsPerSecond)
}
