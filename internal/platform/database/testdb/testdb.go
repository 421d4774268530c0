// Package testdb opens throwaway sqlite databases seeded with the domain schema.
package testdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"crmsync/internal/platform/database"

	_ "github.com/mattn/go-sqlite3"
)

// Open returns a file-backed sqlite pool so every connection sees the same
// data. The file is removed with t's temp dir.
func Open(t testing.TB) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := database.Schema(database.SQLite)
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}
	return database.Wrap(db, database.SQLite)
}

// Exec runs a seeding statement and returns the last insert id.
func Exec(t testing.TB, db *database.DB, query string, args ...interface{}) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("seed %q: %v", query, err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SeedUser inserts a user and returns its id.
func SeedUser(t testing.TB, db *database.DB, username string) int64 {
	return Exec(t, db, `INSERT INTO users (username, email, full_name, phone, company, city, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1700000000, 1700000000)`,
		username, username+"@example.com", "Test "+username, "+70000000000", "ACME", "Moscow")
}

// SeedOrder inserts an unlinked order for userID and returns its id.
func SeedOrder(t testing.TB, db *database.DB, userID int64, status, price string, createdAt int64) int64 {
	return Exec(t, db, `INSERT INTO orders (user_id, service_id, quantity, total_price, status, created_at, updated_at)
		VALUES (?, 'printing', 2, ?, ?, ?, ?)`, userID, price, status, createdAt, createdAt)
}
