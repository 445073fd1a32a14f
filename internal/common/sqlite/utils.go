// Package sqlite holds small helpers shared by the SQLite-backed stores.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// BoolToInt maps a bool onto SQLite's 0/1 integer representation.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// HasColumn reports whether the table already carries the column.
func HasColumn(db *sqlx.DB, table, column string) (bool, error) {
	var n int
	err := db.Get(&n, db.Rebind(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`), table, column)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	return n > 0, nil
}

// EnsureColumn adds the column when missing. Idempotent, for additive schema
// upgrades on databases created by older builds.
func EnsureColumn(db *sqlx.DB, table, column, definition string) error {
	exists, err := HasColumn(db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}
