package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Backend captures the vendor-specific corners of the SQL the core emits:
// placeholder style, advisory locking, and host-variable limits. Everything
// else is portable SQL issued by the store itself.
type Backend interface {
	Name() string
	// Rebind rewrites ?-style placeholders into the vendor's style.
	Rebind(query string) string
	// LockAllPartitions takes the whole-database advisory lock for the
	// transaction. Concurrent syncs on disjoint partitions take it shared;
	// a sync touching everything takes it exclusive.
	LockAllPartitions(ctx context.Context, tx *sql.Tx, shared bool) error
	// LockPartition takes a per-partition advisory lock for the transaction.
	LockPartition(ctx context.Context, tx *sql.Tx, partition string, shared bool) error
	// MaxVariableNumber is the vendor's limit on host variables per statement.
	MaxVariableNumber(db *sql.DB) int
	// Greatest is the vendor's two-argument maximum function.
	Greatest() string
}

// NewBackend dispatches once on the connection's driver name.
func NewBackend(driverName string) (Backend, error) {
	switch {
	case strings.Contains(driverName, "sqlite"):
		return sqliteBackend{}, nil
	case strings.Contains(driverName, "postgres"), strings.Contains(driverName, "pgx"):
		return postgresBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
}

type sqliteBackend struct{}

func (sqliteBackend) Name() string               { return "sqlite" }
func (sqliteBackend) Rebind(query string) string { return query }
func (sqliteBackend) Greatest() string           { return "MAX" }

// SQLite serializes writers per transaction; advisory locks are a no-op.
func (sqliteBackend) LockAllPartitions(ctx context.Context, tx *sql.Tx, shared bool) error {
	return nil
}

func (sqliteBackend) LockPartition(ctx context.Context, tx *sql.Tx, partition string, shared bool) error {
	return nil
}

func (sqliteBackend) MaxVariableNumber(db *sql.DB) int {
	// SQLITE_MAX_VARIABLE_NUMBER defaults to 999 on older builds and 32766
	// since 3.32; read the compile option when available.
	for i := 0; ; i++ {
		var opt sql.NullString
		err := db.QueryRow(`SELECT sqlite_compileoption_get(?)`, i).Scan(&opt)
		if err != nil || !opt.Valid {
			break
		}
		if strings.HasPrefix(opt.String, "MAX_VARIABLE_NUMBER=") {
			if n, err := strconv.Atoi(strings.TrimPrefix(opt.String, "MAX_VARIABLE_NUMBER=")); err == nil {
				return n
			}
		}
	}
	return 999
}

type postgresBackend struct{}

func (postgresBackend) Name() string     { return "postgresql" }
func (postgresBackend) Greatest() string { return "GREATEST" }

func (postgresBackend) Rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// allPartitionsLockKey is the advisory key for the whole record store.
const allPartitionsLockKey = 1

func (postgresBackend) LockAllPartitions(ctx context.Context, tx *sql.Tx, shared bool) error {
	fn := "pg_advisory_xact_lock"
	if shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SELECT %s($1)", fn), allPartitionsLockKey)
	return err
}

func (postgresBackend) LockPartition(ctx context.Context, tx *sql.Tx, partition string, shared bool) error {
	fn := "pg_advisory_xact_lock"
	if shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	key := int64(crc32.ChecksumIEEE([]byte(partition)))
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SELECT %s($1)", fn), key)
	return err
}

func (postgresBackend) MaxVariableNumber(db *sql.DB) int {
	return 32767
}
