package persistence

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"DexSync/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_projection_schema.up.sql"))
	assert.Equal(t, "000002", extractVersion("000002_x.down.sql"))
	assert.Equal(t, "noversion.up.sql", extractVersion("noversion.up.sql"))
}

func TestListMigrationFilesSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":         {Data: []byte("docs")},
		"nested/x.up.sql":   {Data: []byte("SELECT 3")},
	}
	m := NewMigrator(nil, fsys, zerolog.Nop())

	up, err := m.listMigrationFiles(upSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, up)

	down, err := m.listMigrationFiles(downSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.down.sql"}, down)
}

func TestMigrateUpDownRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := NewMigrator(db, os.DirFS("../../migrations"), zerolog.Nop())

	// The integration database is normally migrated already.
	_, err := m.Up(ctx)
	require.NoError(t, err)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.True(t, s.Applied, s.Filename)
	}

	rolled, err := m.Down(ctx)
	require.NoError(t, err)
	assert.True(t, rolled)

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
