package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// listTableNames enumerates user tables for the given dialect.
func listTableNames(ctx context.Context, db *sql.DB, dbType DatabaseType) ([]string, error) {
	switch dbType {
	case DatabasePostgres:
		return queryStrings(ctx, db, `
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
			ORDER BY table_name`)
	case DatabaseMySQL:
		return queryStrings(ctx, db, `
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
			ORDER BY table_name`)
	case DatabaseSQLite:
		return sqliteTableNames(ctx, db)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// listColumns returns column metadata for a table, primary keys marked.
func listColumns(ctx context.Context, db *sql.DB, dbType DatabaseType, table string) ([]ColumnInfo, error) {
	switch dbType {
	case DatabasePostgres:
		return listColumnsPostgres(ctx, db, table)
	case DatabaseMySQL:
		return listColumnsMySQL(ctx, db, table)
	case DatabaseSQLite:
		return listColumnsSQLite(ctx, db, table)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

func listColumnsPostgres(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = c.table_name
					AND kcu.column_name = c.column_name AND tc.table_schema = 'public'
			) AS is_pk
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var name, dataType, nullable string
		var isPK bool
		if err := rows.Scan(&name, &dataType, &nullable, &isPK); err != nil {
			return nil, err
		}
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       dataType,
			Nullable:   strings.EqualFold(nullable, "YES"),
			PrimaryKey: isPK,
		})
	}
	return cols, rows.Err()
}

func listColumnsMySQL(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_key
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var name, dataType, nullable, columnKey string
		if err := rows.Scan(&name, &dataType, &nullable, &columnKey); err != nil {
			return nil, err
		}
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       dataType,
			Nullable:   strings.EqualFold(nullable, "YES"),
			PrimaryKey: strings.EqualFold(columnKey, "PRI"),
		})
	}
	return cols, rows.Err()
}

func listColumnsSQLite(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT name, type, \"notnull\", pk FROM pragma_table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var name, colType string
		var notNull, pk int
		if err := rows.Scan(&name, &colType, &notNull, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       colType,
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
		})
	}
	return cols, rows.Err()
}

// listForeignKeys returns the outgoing foreign keys declared on a table.
func listForeignKeys(ctx context.Context, db *sql.DB, dbType DatabaseType, table string) ([]ForeignKey, error) {
	switch dbType {
	case DatabasePostgres:
		return listForeignKeysPostgres(ctx, db, table)
	case DatabaseMySQL:
		return listForeignKeysMySQL(ctx, db, table)
	case DatabaseSQLite:
		return listForeignKeysSQLite(ctx, db, table)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

func listForeignKeysPostgres(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name AS ref_table, ccu.column_name AS ref_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public' AND tc.table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fromCol, toTable, toCol string
		if err := rows.Scan(&fromCol, &toTable, &toCol); err != nil {
			return nil, err
		}
		fks = append(fks, ForeignKey{FromTable: table, FromColumn: fromCol, ToTable: toTable, ToColumn: toCol})
	}
	return fks, rows.Err()
}

func listForeignKeysMySQL(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fromCol, toTable, toCol string
		if err := rows.Scan(&fromCol, &toTable, &toCol); err != nil {
			return nil, err
		}
		fks = append(fks, ForeignKey{FromTable: table, FromColumn: fromCol, ToTable: toTable, ToColumn: toCol})
	}
	return fks, rows.Err()
}

func listForeignKeysSQLite(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT \"from\", \"table\", \"to\" FROM pragma_foreign_key_list(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fromCol, toTable, toCol string
		if err := rows.Scan(&fromCol, &toTable, &toCol); err != nil {
			return nil, err
		}
		fks = append(fks, ForeignKey{FromTable: table, FromColumn: fromCol, ToTable: toTable, ToColumn: toCol})
	}
	return fks, rows.Err()
}

// getRowCount returns an approximate row count, using pg_class's fast
// estimate for Postgres and falling back to COUNT(*) everywhere else. A
// nil return means the count could not be determined.
func getRowCount(ctx context.Context, db *sql.DB, dbType DatabaseType, table string) *int64 {
	if dbType == DatabasePostgres {
		var count int64
		err := db.QueryRowContext(ctx, `SELECT CAST(reltuples AS bigint) FROM pg_class WHERE relname = $1`, table).Scan(&count)
		if err == nil && count > 0 {
			return &count
		}
	}

	var count int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&count); err != nil {
		return nil
	}
	return &count
}

// blobLikeTypes names the column types skipped when sampling values, the
// same "truly binary" exclusion list as the source's sample-value pass.
var blobLikeTypes = []string{"blob", "bytea", "clob", "binary"}

// getSampleValues runs one SELECT * LIMIT query per table (not one per
// column) and fans the resulting rows out into a per-column sample map.
func getSampleValues(ctx context.Context, db *sql.DB, table string, columns []ColumnInfo, limit int) map[string][]string {
	samples := make(map[string][]string)

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), limit))
	if err != nil {
		return samples
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return samples
	}

	skip := make(map[string]bool, len(columns))
	for _, c := range columns {
		lower := strings.ToLower(c.Type)
		for _, t := range blobLikeTypes {
			if strings.Contains(lower, t) {
				skip[c.Name] = true
				break
			}
		}
	}

	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		for i, colName := range cols {
			if skip[colName] || raw[i] == nil {
				continue
			}
			val := formatSampleValue(raw[i])
			if len(samples[colName]) < 5 {
				samples[colName] = append(samples[colName], val)
			}
		}
	}
	return samples
}
