package sqlite

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := sqlx.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoolToInt(t *testing.T) {
	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))
}

func TestEnsureColumnIsIdempotent(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	exists, err := HasColumn(db, "widgets", "weight")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, EnsureColumn(db, "widgets", "weight", "INTEGER NOT NULL DEFAULT 0"))
	require.NoError(t, EnsureColumn(db, "widgets", "weight", "INTEGER NOT NULL DEFAULT 0"))

	exists, err = HasColumn(db, "widgets", "weight")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = db.Exec(`INSERT INTO widgets (id) VALUES ('w1')`)
	require.NoError(t, err)
	var weight int
	require.NoError(t, db.Get(&weight, `SELECT weight FROM widgets WHERE id = 'w1'`))
	assert.Zero(t, weight)
}
