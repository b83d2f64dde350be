package sqlvalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabfab/notebook-core/internal/sqlengine"
)

func TestValidateUserInput(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantOK  bool
		wantMsg string
	}{
		{"empty", "   ", false, "query cannot be empty"},
		{"raw select pasted", "SELECT * FROM users", false, "please describe"},
		{"injection shaped", "show users where 1=1 OR 1=1", false, "suspicious"},
		{"normal question", "how many users signed up last week?", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ValidateUserInput(tt.query)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantMsg != "" {
				assert.Contains(t, msg, tt.wantMsg)
			}
		})
	}
}

func schemaFixture() sqlengine.SchemaInfo {
	return sqlengine.SchemaInfo{
		Tables: []sqlengine.TableInfo{
			{
				Name: "users",
				Columns: []sqlengine.ColumnInfo{
					{Name: "id"}, {Name: "email"}, {Name: "created_at"},
				},
			},
			{
				Name: "orders",
				Columns: []sqlengine.ColumnInfo{
					{Name: "id"}, {Name: "user_id"}, {Name: "total"},
				},
			},
		},
	}
}

func TestValidateGeneratedSQL_RejectsForbiddenOperation(t *testing.T) {
	ok, msg := ValidateGeneratedSQL("DELETE FROM users", nil)

	assert.False(t, ok)
	assert.Contains(t, msg, "DELETE")
}

func TestValidateGeneratedSQL_RejectsInjectionPattern(t *testing.T) {
	ok, _ := ValidateGeneratedSQL("SELECT * FROM users WHERE 1=1 UNION SELECT password FROM users", nil)

	assert.False(t, ok)
}

func TestValidateGeneratedSQL_RejectsNonSelect(t *testing.T) {
	ok, msg := ValidateGeneratedSQL("SHOW TABLES", nil)

	assert.False(t, ok)
	assert.Contains(t, msg, "only SELECT")
}

func TestValidateGeneratedSQL_AcceptsSelectAndWith(t *testing.T) {
	ok, _ := ValidateGeneratedSQL("SELECT id FROM users", nil)
	assert.True(t, ok)

	ok, _ = ValidateGeneratedSQL("WITH recent AS (SELECT id FROM users) SELECT * FROM recent", nil)
	assert.True(t, ok)
}

func TestValidateGeneratedSQL_RejectsMultipleStatements(t *testing.T) {
	ok, msg := ValidateGeneratedSQL("SELECT 1; SELECT 2", nil)

	assert.False(t, ok)
	assert.Contains(t, msg, "multiple SQL statements")
}

func TestValidateGeneratedSQL_ChecksSchemaWhenProvided(t *testing.T) {
	schema := schemaFixture()

	ok, msg := ValidateGeneratedSQL("SELECT id FROM nonexistent_table", &schema)

	assert.False(t, ok)
	assert.Contains(t, msg, "unknown table")
}

func TestCheckTableReferences(t *testing.T) {
	schema := schemaFixture()

	ok, _ := CheckTableReferences("SELECT u.id FROM users u JOIN orders o ON u.id = o.user_id", schema)
	assert.True(t, ok)

	ok, msg := CheckTableReferences("SELECT * FROM ghosts", schema)
	assert.False(t, ok)
	assert.Contains(t, msg, "ghosts")
}

func TestCheckTableReferences_IgnoresSQLKeywords(t *testing.T) {
	schema := schemaFixture()

	ok, _ := CheckTableReferences("SELECT CASE WHEN true THEN 1 ELSE 0 END FROM users", schema)

	assert.True(t, ok)
}

func TestCheckColumnReferences_DetectsUnknownColumn(t *testing.T) {
	schema := schemaFixture()

	ok, msg := CheckColumnReferences("SELECT users.nickname FROM users", schema)

	assert.False(t, ok)
	assert.Contains(t, msg, "nickname")
	assert.Contains(t, msg, "users")
}

func TestCheckColumnReferences_IgnoresFunctionCalls(t *testing.T) {
	schema := schemaFixture()

	ok, _ := CheckColumnReferences("SELECT COUNT(id) FROM users", schema)

	assert.True(t, ok)
}

func TestCheckColumnReferences_AcceptsKnownQualifiedColumn(t *testing.T) {
	schema := schemaFixture()

	ok, _ := CheckColumnReferences("SELECT orders.total FROM orders", schema)

	assert.True(t, ok)
}

func TestSanitizeOutput(t *testing.T) {
	rows := []map[string]any{{"email": "a@b.com", "id": 1}}

	out := SanitizeOutput(rows, []string{"email"})

	assert.Equal(t, "****", out[0]["email"])
	assert.Equal(t, 1, out[0]["id"])
}

func TestSanitizeOutput_NoOpWithoutSensitiveColumns(t *testing.T) {
	rows := []map[string]any{{"email": "a@b.com"}}

	out := SanitizeOutput(rows, nil)

	assert.Equal(t, rows, out)
}

func TestReadOnlyTestSQL_SQLiteUsesIntegerType(t *testing.T) {
	assert.Contains(t, ReadOnlyTestSQL(sqlengine.DatabaseSQLite), "INTEGER")
	assert.Contains(t, ReadOnlyTestSQL(sqlengine.DatabasePostgres), "INT")
}

func TestConnectionTestSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1", ConnectionTestSQL(sqlengine.DatabasePostgres))
}
