package sqlengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIntrospector_FallsBackToDefaultTTL(t *testing.T) {
	in := NewIntrospector(0)

	assert.Equal(t, 300*time.Second, in.cacheTTL)
}

func TestGetCachedSchema_MissingOrExpired(t *testing.T) {
	in := NewIntrospector(1)

	_, ok := in.GetCachedSchema("conn-1")
	assert.False(t, ok)

	in.cache["conn-1"] = cachedSchema{
		schema:   SchemaInfo{DatabaseName: "db"},
		cachedAt: time.Now().Add(-2 * time.Second),
	}
	_, ok = in.GetCachedSchema("conn-1")
	assert.False(t, ok, "expired cache entries must not be served")

	in.cache["conn-1"] = cachedSchema{
		schema:   SchemaInfo{DatabaseName: "db"},
		cachedAt: time.Now(),
	}
	schema, ok := in.GetCachedSchema("conn-1")
	require.True(t, ok)
	assert.Equal(t, "db", schema.DatabaseName)
}

func TestClearCache_SingleAndAll(t *testing.T) {
	in := NewIntrospector(300)
	in.cache["conn-1"] = cachedSchema{schema: SchemaInfo{DatabaseName: "a"}, cachedAt: time.Now()}
	in.cache["conn-2"] = cachedSchema{schema: SchemaInfo{DatabaseName: "b"}, cachedAt: time.Now()}

	in.ClearCache("conn-1")
	_, ok := in.GetCachedSchema("conn-1")
	assert.False(t, ok)
	_, ok = in.GetCachedSchema("conn-2")
	assert.True(t, ok)

	in.ClearCache("")
	_, ok = in.GetCachedSchema("conn-2")
	assert.False(t, ok)
}

func TestHasSchemaChanged_UncachedConnectionIsAlwaysChanged(t *testing.T) {
	in := NewIntrospector(300)

	assert.True(t, in.HasSchemaChanged(nil, nil, DatabasePostgres, "unknown-conn"))
}

func TestFormatForLLM_RendersTablesColumnsAndRelationships(t *testing.T) {
	rowCount := int64(42)
	schema := SchemaInfo{
		DatabaseName: "shop",
		Tables: []TableInfo{
			{
				Name:     "users",
				RowCount: &rowCount,
				Columns: []ColumnInfo{
					{Name: "id", Type: "integer", PrimaryKey: true, Nullable: false},
					{Name: "org_id", Type: "integer", ForeignKey: "orgs.id", Nullable: true},
				},
			},
		},
		Relationships: []ForeignKey{
			{FromTable: "users", FromColumn: "org_id", ToTable: "orgs", ToColumn: "id"},
		},
	}

	out := FormatForLLM(schema, false, true, 0)

	assert.Contains(t, out, "Database: shop")
	assert.Contains(t, out, "## users (~42 rows)")
	assert.Contains(t, out, "id: integer PK NOT NULL")
	assert.Contains(t, out, "org_id: integer FK->orgs.id")
	assert.Contains(t, out, "users.org_id -> orgs.id")
}

func TestFormatForLLM_EmptyDatabaseNameDefaultsToUnknown(t *testing.T) {
	out := FormatForLLM(SchemaInfo{}, false, false, 0)

	assert.Contains(t, out, "Database: unknown")
}

func TestFormatForLLM_TruncatesToMaxTables(t *testing.T) {
	schema := SchemaInfo{Tables: []TableInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}}}

	out := FormatForLLM(schema, false, false, 1)

	assert.Contains(t, out, "## a")
	assert.NotContains(t, out, "## b")
}

func TestFormatSampleValue_TruncatesLongValuesAndEscapesPipe(t *testing.T) {
	long := "this is a long value that exceeds thirty characters|with a pipe"

	out := formatSampleValue(long)

	assert.LessOrEqual(t, len(out), 34)
	assert.Contains(t, out, "...")
	assert.Equal(t, `a\|b`, formatSampleValue("a|b"))
}

func TestFormatSampleValue_NilIsNULL(t *testing.T) {
	assert.Equal(t, "NULL", formatSampleValue(nil))
}

func TestQuoteIdent_EscapesDoubleQuotes(t *testing.T) {
	assert.Equal(t, `"weird""name"`, quoteIdent(`weird"name`))
}

func TestIntrospect_BuildsSchemaFromSQLiteAndCaches(t *testing.T) {
	db := openTestSQLite(t)
	in := NewIntrospector(300)

	schema, err := in.Introspect(context.Background(), db, DatabaseSQLite, "conn-1", false, false)

	require.NoError(t, err)
	require.Len(t, schema.Tables, 2)
	usersTable := schema.TableByName("orders")
	require.NotNil(t, usersTable)
	require.Len(t, usersTable.Columns, 3)
	require.Len(t, schema.Relationships, 1)

	cached, ok := in.GetCachedSchema("conn-1")
	require.True(t, ok)
	assert.Equal(t, schema.Tables[0].Name, cached.Tables[0].Name)
}

func TestIntrospect_ServesCacheWhenFingerprintUnchanged(t *testing.T) {
	db := openTestSQLite(t)
	in := NewIntrospector(300)

	first, err := in.Introspect(context.Background(), db, DatabaseSQLite, "conn-1", false, false)
	require.NoError(t, err)

	second, err := in.Introspect(context.Background(), db, DatabaseSQLite, "conn-1", false, false)
	require.NoError(t, err)
	assert.Equal(t, first.CachedAt, second.CachedAt, "second call should be served from cache, not re-stamped")
}

func TestIntrospect_ForceRefreshBypassesCache(t *testing.T) {
	db := openTestSQLite(t)
	in := NewIntrospector(300)

	first, err := in.Introspect(context.Background(), db, DatabaseSQLite, "conn-1", false, false)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE extra (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	refreshed, err := in.RefreshCache(context.Background(), db, DatabaseSQLite, "conn-1")
	require.NoError(t, err)
	assert.Greater(t, len(refreshed.Tables), len(first.Tables))
}

func TestHasSchemaChanged_DetectsFingerprintDrift(t *testing.T) {
	db := openTestSQLite(t)
	in := NewIntrospector(300)
	_, err := in.Introspect(context.Background(), db, DatabaseSQLite, "conn-1", false, false)
	require.NoError(t, err)

	assert.False(t, in.HasSchemaChanged(context.Background(), db, DatabaseSQLite, "conn-1"))

	_, err = db.Exec(`ALTER TABLE users ADD COLUMN nickname TEXT`)
	require.NoError(t, err)

	assert.True(t, in.HasSchemaChanged(context.Background(), db, DatabaseSQLite, "conn-1"))
}
