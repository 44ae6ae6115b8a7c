package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesEmbedded(t *testing.T) {
	names, err := fs.Glob(Files, "*.sql")
	require.NoError(t, err)
	require.Contains(t, names, "001_init.sql")

	data, err := Files.ReadFile("001_init.sql")
	require.NoError(t, err)
	require.Contains(t, string(data), "idx_chats_pair")
}
