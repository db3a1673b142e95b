package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_videos.sql", names[0])
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}

func TestVideosSchemaEnforcesReadyRenditions(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/001_videos.sql")
	require.NoError(t, err)
	schema := string(sql)
	assert.Contains(t, schema, "CHECK ((status = 'ready') = (jsonb_array_length(renditions) > 0))")
	assert.True(t, strings.Contains(schema, "'pending', 'processing', 'ready', 'failed'"))
}
