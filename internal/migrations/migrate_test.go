package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_init.up.sql",
		"000001_init.down.sql",
		"000012_holds_index.up.sql",
		"000003_checkpoints.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000099_dir"), 0o700))

	assert.EqualValues(t, 12, LatestVersion(dir))
	assert.Zero(t, LatestVersion(filepath.Join(dir, "missing")))
}

func TestRepositoryMigrationsPresent(t *testing.T) {
	assert.EqualValues(t, 1, LatestVersion(filepath.Join("..", "..", "migrations")))
}

func TestRunMigrationsNeedsURL(t *testing.T) {
	assert.Error(t, RunMigrations("", "migrations", zaptest.NewLogger(t).Sugar()))
}
