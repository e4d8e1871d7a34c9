package sqlbroker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	// Name is reported in errors and logs.
	Name string
	// Schema qualifies every table when set. It must be a plain identifier.
	Schema string
	// NumberedPlaceholders rewrites "?" into "$1", "$2", ... before execution.
	NumberedPlaceholders bool
	// SkipLocked appends "FOR UPDATE SKIP LOCKED" to the claim query.
	SkipLocked bool
	// IDColumn is the column definition of the auto-incrementing primary key.
	IDColumn string
	// BlobType stores payloads.
	BlobType string
}

// SQLite is the dialect of mattn/go-sqlite3.
func SQLite() Dialect {
	return Dialect{
		Name:     "sqlite",
		IDColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
		BlobType: "BLOB",
	}
}

// Postgres is the dialect of lib/pq and pgx, with tables inside schema.
func Postgres(schema string) Dialect {
	return Dialect{
		Name:                 "postgres",
		Schema:               schema,
		NumberedPlaceholders: true,
		SkipLocked:           true,
		IDColumn:             "id BIGSERIAL PRIMARY KEY",
		BlobType:             "BYTEA",
	}
}

func (d Dialect) validate() error {
	if d.Schema != "" && !identifierPattern.MatchString(d.Schema) {
		return fmt.Errorf("%s: invalid schema name %q", d.Name, d.Schema)
	}
	return nil
}

func (d Dialect) table(name string) string {
	if d.Schema == "" {
		return name
	}
	return d.Schema + "." + name
}

// rebind expands {topics}, {subscriptions} and {messages} and converts
// placeholders. Queries never contain "?" inside string literals.
func (d Dialect) rebind(query string) string {
	query = strings.NewReplacer(
		"{topics}", d.table("topics"),
		"{subscriptions}", d.table("subscriptions"),
		"{messages}", d.table("messages"),
	).Replace(query)
	if !d.NumberedPlaceholders {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schemaStatements() []string {
	var stmts []string
	if d.Schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+d.Schema)
	}
	return append(stmts,
		d.rebind(`CREATE TABLE IF NOT EXISTS {topics} (
			name TEXT PRIMARY KEY,
			max_size_mb INTEGER NOT NULL DEFAULT 0,
			partitioning INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`),
		d.rebind(`CREATE TABLE IF NOT EXISTS {subscriptions} (
			topic TEXT NOT NULL,
			name TEXT NOT NULL,
			max_delivery_count INTEGER NOT NULL DEFAULT 0,
			ttl_ns BIGINT NOT NULL DEFAULT 0,
			rule_match_all INTEGER NOT NULL DEFAULT 1,
			rule_include_unaddressed INTEGER NOT NULL DEFAULT 0,
			rule_addressed_to TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (topic, name)
		)`),
		d.rebind(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {messages} (
			%s,
			path TEXT NOT NULL,
			uuid TEXT NOT NULL,
			payload %s NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			enqueued_at BIGINT NOT NULL,
			available_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			locked_until BIGINT NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT ''
		)`, d.IDColumn, d.BlobType)),
		d.rebind(`CREATE INDEX IF NOT EXISTS idx_messages_path_available ON {messages}(path, available_at)`),
	)
}
