package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"up", "down", "status"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestMissingDSNIsRejected(t *testing.T) {
	t.Setenv("DEXSYNC_POSTGRES_DSN", "")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"up"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEXSYNC_POSTGRES_DSN")
}
