package sqlengine

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Introspector extracts and caches database schema information for LLM
// context, with fingerprint-based change detection. Grounded on
// SchemaIntrospector in dbnotebook/core/sql_chat/schema.py.
type Introspector struct {
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedSchema
}

type cachedSchema struct {
	schema      SchemaInfo
	fingerprint string
	cachedAt    time.Time
}

// NewIntrospector constructs an Introspector with the given cache TTL
// (default 300s when non-positive).
func NewIntrospector(cacheTTLSeconds int) *Introspector {
	if cacheTTLSeconds <= 0 {
		cacheTTLSeconds = 300
	}
	return &Introspector{
		cacheTTL: time.Duration(cacheTTLSeconds) * time.Second,
		cache:    make(map[string]cachedSchema),
	}
}

// GetFingerprint computes a fast MD5 hash of the table/column structure
// without a full introspection. Returns "" (forcing a full introspection)
// when the fingerprint query itself fails.
func (in *Introspector) GetFingerprint(ctx context.Context, db *sql.DB, dbType DatabaseType) string {
	var fingerprintStr string

	switch dbType {
	case DatabasePostgres:
		row := db.QueryRowContext(ctx, `
			SELECT string_agg(table_name || ':' || column_count::text, ',' ORDER BY table_name)
			FROM (
				SELECT table_name, COUNT(*) AS column_count
				FROM information_schema.columns
				WHERE table_schema = 'public'
				GROUP BY table_name
			) t`)
		var s sql.NullString
		if err := row.Scan(&s); err != nil {
			return ""
		}
		fingerprintStr = s.String

	case DatabaseMySQL:
		row := db.QueryRowContext(ctx, `
			SELECT GROUP_CONCAT(CONCAT(table_name, ':', column_count) ORDER BY table_name SEPARATOR ',')
			FROM (
				SELECT table_name, COUNT(*) AS column_count
				FROM information_schema.columns
				WHERE table_schema = DATABASE()
				GROUP BY table_name
			) t`)
		var s sql.NullString
		if err := row.Scan(&s); err != nil {
			return ""
		}
		fingerprintStr = s.String

	case DatabaseSQLite:
		tables, err := sqliteTableNames(ctx, db)
		if err != nil {
			return ""
		}
		parts := make([]string, 0, len(tables))
		for _, t := range tables {
			var count int
			if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info(%q)", t)).Scan(&count); err != nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:%d", t, count))
		}
		fingerprintStr = strings.Join(parts, ",")

	default:
		return ""
	}

	if fingerprintStr == "" {
		return ""
	}
	sum := md5.Sum([]byte(fingerprintStr))
	return hex.EncodeToString(sum[:])
}

func sqliteTableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, "sqlite_") {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Introspect extracts the complete schema for a connection, serving the
// cached copy when its fingerprint still matches and the cache has not
// expired. includeSamples triggers the slow per-column sampling pass.
func (in *Introspector) Introspect(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionID string, forceRefresh, includeSamples bool) (SchemaInfo, error) {
	if !forceRefresh {
		if schema, ok := in.lookupFresh(ctx, db, dbType, connectionID); ok {
			return schema, nil
		}
	}

	tableNames, err := listTableNames(ctx, db, dbType)
	if err != nil {
		return SchemaInfo{}, fmt.Errorf("list tables: %w", err)
	}

	var tables []TableInfo
	var relationships []ForeignKey

	for _, tableName := range tableNames {
		columns, err := listColumns(ctx, db, dbType, tableName)
		if err != nil {
			return SchemaInfo{}, fmt.Errorf("list columns for %s: %w", tableName, err)
		}

		fks, err := listForeignKeys(ctx, db, dbType, tableName)
		if err != nil {
			return SchemaInfo{}, fmt.Errorf("list foreign keys for %s: %w", tableName, err)
		}
		for _, fk := range fks {
			relationships = append(relationships, fk)
			for i := range columns {
				if columns[i].Name == fk.FromColumn {
					columns[i].ForeignKey = fk.ToTable + "." + fk.ToColumn
				}
			}
		}

		rowCount := getRowCount(ctx, db, dbType, tableName)

		sampleValues := map[string][]string{}
		if includeSamples {
			sampleValues = getSampleValues(ctx, db, tableName, columns, 5)
		}

		tables = append(tables, TableInfo{
			Name:         tableName,
			Columns:      columns,
			RowCount:     rowCount,
			SampleValues: sampleValues,
		})
	}

	schema := SchemaInfo{
		Tables:        tables,
		Relationships: relationships,
		CachedAt:      time.Now(),
	}

	fingerprint := in.GetFingerprint(ctx, db, dbType)
	in.mu.Lock()
	in.cache[connectionID] = cachedSchema{schema: schema, fingerprint: fingerprint, cachedAt: schema.CachedAt}
	in.mu.Unlock()

	return schema, nil
}

func (in *Introspector) lookupFresh(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionID string) (SchemaInfo, bool) {
	in.mu.Lock()
	cached, ok := in.cache[connectionID]
	in.mu.Unlock()
	if !ok {
		return SchemaInfo{}, false
	}
	if time.Since(cached.cachedAt) >= in.cacheTTL {
		return SchemaInfo{}, false
	}

	currentFP := in.GetFingerprint(ctx, db, dbType)
	if currentFP != "" && currentFP != cached.fingerprint {
		return SchemaInfo{}, false
	}
	return cached.schema, true
}

// RefreshCache forces a full introspection, bypassing the cache.
func (in *Introspector) RefreshCache(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionID string) (SchemaInfo, error) {
	return in.Introspect(ctx, db, dbType, connectionID, true, false)
}

// ClearCache drops the cached schema for one connection, or every
// connection when connectionID is empty.
func (in *Introspector) ClearCache(connectionID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if connectionID == "" {
		in.cache = make(map[string]cachedSchema)
		return
	}
	delete(in.cache, connectionID)
}

// GetCachedSchema returns the cached schema without triggering introspection
// or a fingerprint check, used to skip redundant work when a caller already
// has the schema from a prior step in the same request.
func (in *Introspector) GetCachedSchema(connectionID string) (SchemaInfo, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	cached, ok := in.cache[connectionID]
	if !ok || time.Since(cached.cachedAt) >= in.cacheTTL {
		return SchemaInfo{}, false
	}
	return cached.schema, true
}

// HasSchemaChanged reports whether the schema fingerprint has changed since
// the last cached introspection. A fingerprint failure is treated as "no
// change" to avoid spurious refreshes on transient network errors.
func (in *Introspector) HasSchemaChanged(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionID string) bool {
	in.mu.Lock()
	cached, ok := in.cache[connectionID]
	in.mu.Unlock()
	if !ok {
		return true
	}

	currentFP := in.GetFingerprint(ctx, db, dbType)
	if currentFP == "" {
		return false
	}
	return currentFP != cached.fingerprint
}

// FormatForLLM renders a compact schema description suitable for a prompt.
func FormatForLLM(schema SchemaInfo, includeSamples, includeRelationships bool, maxTables int) string {
	if maxTables <= 0 {
		maxTables = 50
	}
	dbName := schema.DatabaseName
	if dbName == "" {
		dbName = "unknown"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Database: %s\n", dbName)
	fmt.Fprintf(&sb, "Tables: %d\n\n", len(schema.Tables))

	tables := schema.Tables
	if len(tables) > maxTables {
		tables = tables[:maxTables]
	}

	for _, table := range tables {
		rowInfo := ""
		if table.RowCount != nil {
			rowInfo = fmt.Sprintf(" (~%d rows)", *table.RowCount)
		}
		fmt.Fprintf(&sb, "## %s%s\n", table.Name, rowInfo)

		for _, col := range table.Columns {
			parts := []string{fmt.Sprintf("  - %s: %s", col.Name, col.Type)}
			if col.PrimaryKey {
				parts = append(parts, "PK")
			}
			if col.ForeignKey != "" {
				parts = append(parts, "FK->"+col.ForeignKey)
			}
			if !col.Nullable {
				parts = append(parts, "NOT NULL")
			}
			sb.WriteString(strings.Join(parts, " "))
			sb.WriteString("\n")
		}

		if includeSamples && len(table.SampleValues) > 0 {
			names := make([]string, 0, len(table.SampleValues))
			for name := range table.SampleValues {
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) > 3 {
				names = names[:3]
			}
			var samples []string
			for _, name := range names {
				vals := table.SampleValues[name]
				if len(vals) > 3 {
					vals = vals[:3]
				}
				samples = append(samples, fmt.Sprintf("%s: [%s]", name, strings.Join(vals, ", ")))
			}
			if len(samples) > 0 {
				fmt.Fprintf(&sb, "  Samples: %s\n", strings.Join(samples, "; "))
			}
		}
		sb.WriteString("\n")
	}

	if includeRelationships && len(schema.Relationships) > 0 {
		sb.WriteString("## Relationships\n")
		rels := schema.Relationships
		if len(rels) > 20 {
			rels = rels[:20]
		}
		for _, rel := range rels {
			fmt.Fprintf(&sb, "  %s.%s -> %s.%s\n", rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn)
		}
	}

	return sb.String()
}

// GenerateSchemaDictionary renders a markdown structure-only dictionary
// (no sample values), the fast batch-generation path.
func GenerateSchemaDictionary(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionName string) (string, error) {
	tableNames, err := listTableNames(ctx, db, dbType)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Database Schema: %s\n\n", connectionName)

	for _, tableName := range tableNames {
		fmt.Fprintf(&sb, "## Table: %s\n", tableName)
		columns, err := listColumns(ctx, db, dbType, tableName)
		if err != nil {
			return "", fmt.Errorf("list columns for %s: %w", tableName, err)
		}
		for _, col := range columns {
			line := fmt.Sprintf("- **%s** (%s", col.Name, col.Type)
			if col.PrimaryKey {
				line += ", PK"
			}
			line += ")"
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Relationships\n")
	for _, tableName := range tableNames {
		fks, err := listForeignKeys(ctx, db, dbType, tableName)
		if err != nil {
			continue
		}
		for _, fk := range fks {
			fmt.Fprintf(&sb, "- %s.%s -> %s.%s\n", fk.FromTable, fk.FromColumn, fk.ToTable, fk.ToColumn)
		}
	}

	return sb.String(), nil
}

// GenerateSampleValues renders a markdown table preview (one SELECT *
// LIMIT per table) for each table in the schema.
func GenerateSampleValues(ctx context.Context, db *sql.DB, dbType DatabaseType, connectionName string, limit int) (string, error) {
	if limit <= 0 {
		limit = 5
	}
	tableNames, err := listTableNames(ctx, db, dbType)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Sample Data: %s\n\n", connectionName)

	for _, tableName := range tableNames {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(tableName), limit))
		if err != nil {
			continue
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			continue
		}

		var records [][]string
		for rows.Next() {
			raw := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				continue
			}
			record := make([]string, len(cols))
			for i, v := range raw {
				record[i] = formatSampleValue(v)
			}
			records = append(records, record)
		}
		rows.Close()

		if len(records) == 0 {
			continue
		}

		fmt.Fprintf(&sb, "## Table: %s (%d sample rows)\n\n", tableName, len(records))
		sb.WriteString("| " + strings.Join(cols, " | ") + " |\n")
		sb.WriteString("| " + strings.Join(repeatDashes(len(cols)), " | ") + " |\n")
		for _, record := range records {
			sb.WriteString("| " + strings.Join(record, " | ") + " |\n")
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func formatSampleValue(v any) string {
	if v == nil {
		return "NULL"
	}
	var s string
	switch t := v.(type) {
	case []byte:
		s = string(t)
	default:
		s = fmt.Sprintf("%v", t)
	}
	if len(s) > 30 {
		s = s[:27] + "..."
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func repeatDashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "---"
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
