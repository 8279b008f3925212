// Package db is the sync server's storage: users, the shared library and each
// user's playthrough history, on SQLite or MySQL.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_mysql.sql
var schemaMySQL string

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	Dialect string
}

func New(dsn string) (*DB, error) {
	var db *sql.DB
	var err error

	// MySQL DSN examples: user:password@tcp(host:port)/dbname, user:password@/dbname
	// SQLite DSN: file path (e.g., data/audiosync.db, :memory:)
	dialect := DialectSQLite
	if strings.Contains(dsn, "@") {
		dialect = DialectMySQL
	}

	if dialect == DialectMySQL {
		db, err = sql.Open("mysql", dsn)
	} else {
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		// modernc.org/sqlite applies _pragma parameters to every connection.
		pragmas := []string{
			"_pragma=foreign_keys(1)",
			"_pragma=journal_mode(WAL)",
			"_pragma=busy_timeout(30000)",
			"_pragma=synchronous(NORMAL)",
			"_pragma=cache_size(-20000)",
			"_pragma=temp_store(MEMORY)",
		}
		db, err = sql.Open("sqlite", appendParam(dsn, strings.Join(pragmas, "&")))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(25)
	}

	if err := initSchema(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func initSchema(db *sql.DB, dialect string) error {
	schema := schemaSQLite
	if dialect == DialectMySQL {
		schema = schemaMySQL
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// upsertSQL builds an insert that updates cols on a key conflict only when
// the incoming guard column is newer (or equal, with orEqual). The guard must
// be the last column: MySQL evaluates assignments left to right.
func (db *DB) upsertSQL(table string, keys, cols []string, guard string, orEqual bool) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	cmp := ">"
	if orEqual {
		cmp = ">="
	}

	var sets []string
	if db.Dialect == DialectMySQL {
		for _, c := range cols {
			if isKey[c] {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = IF(VALUES(%s) %s %s, VALUES(%s), %s)", c, guard, cmp, guard, c, c))
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	for _, c := range cols {
		if isKey[c] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("%s ON CONFLICT(%s) DO UPDATE SET %s WHERE excluded.%s %s %s.%s",
		insert, strings.Join(keys, ", "), strings.Join(sets, ", "), guard, cmp, table, guard)
}

// insertIgnoreSQL builds an insert that silently skips rows whose key exists.
func (db *DB) insertIgnoreSQL(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if db.Dialect == DialectMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(cols, ", "), placeholders)
}
