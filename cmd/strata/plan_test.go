package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata/internal/cli"
	"github.com/pthm/strata/pkg/migrator"
)

const planTypes = `
types:
  - name: User
    fields:
      - {name: id, type: ID}
      - {name: email, type: String, unique: true}
`

func TestRunPlanFromFile(t *testing.T) {
	dir := t.TempDir()
	next := filepath.Join(dir, "types.yaml")
	prev := filepath.Join(dir, "prev.yaml")
	require.NoError(t, os.WriteFile(next, []byte(planTypes), 0o644))
	require.NoError(t, os.WriteFile(prev, []byte("types: []\n"), 0o644))

	cfg = &cli.Config{Types: next}
	logger = slog.Default()
	planFrom = prev
	t.Cleanup(func() { cfg, planFrom, planSummary = nil, "", false })

	var out bytes.Buffer
	require.NoError(t, runPlan(context.Background(), &out, migrator.Options{Schema: "app"}))
	assert.Contains(t, out.String(), "-- create   User")
	assert.Contains(t, out.String(), `CREATE TABLE IF NOT EXISTS "app"."user"`)

	out.Reset()
	planSummary = true
	require.NoError(t, runPlan(context.Background(), &out, migrator.Options{Schema: "app"}))
	assert.Contains(t, out.String(), "-- create   User")
	assert.NotContains(t, out.String(), "CREATE TABLE")

	out.Reset()
	planFrom = next
	require.NoError(t, runPlan(context.Background(), &out, migrator.Options{Schema: "app"}))
	assert.Equal(t, "-- no storage changes\n", out.String())
}

func TestRunPlanMissingTypes(t *testing.T) {
	cfg = &cli.Config{Types: filepath.Join(t.TempDir(), "missing.yaml")}
	t.Cleanup(func() { cfg = nil })

	err := runPlan(context.Background(), &bytes.Buffer{}, migrator.Options{})
	require.Error(t, err)
	assert.Equal(t, cli.ExitTypeMap, cli.ExitCode(err))
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.False(t, newLogger(0, false).Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger(1, false).Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger(2, false).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger(2, true).Enabled(ctx, slog.LevelWarn))
}
