package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrderedByVersion(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	last := 0
	for _, m := range migrations {
		assert.Greater(t, m.Version, last)
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.SQL)
		last = m.Version
	}
}

func TestMigrateRecordsEveryVersion(t *testing.T) {
	s := newTestStore(t)

	migrations, err := loadMigrations()
	require.NoError(t, err)

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT version, name FROM schema_version ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()

	var applied []migration
	for rows.Next() {
		var m migration
		require.NoError(t, rows.Scan(&m.Version, &m.Name))
		applied = append(applied, m)
	}
	require.NoError(t, rows.Err())

	require.Len(t, applied, len(migrations))
	for i, m := range migrations {
		assert.Equal(t, m.Version, applied[i].Version)
		assert.Equal(t, m.Name, applied[i].Name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var count int
	row := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM schema_version`)
	require.NoError(t, row.Scan(&count))

	migrations, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSplitStatementsDropsComments(t *testing.T) {
	stmts := splitStatements(`
-- leading comment
CREATE TABLE a (id TEXT);
-- only a comment;
CREATE INDEX idx_a ON a(id);
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
