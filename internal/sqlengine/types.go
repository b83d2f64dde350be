// Package sqlengine holds the NL->SQL pipeline's shared data model and the
// database connection lifecycle: type definitions (§3), encrypted
// credential storage, read-only verification, schema introspection with
// fingerprint caching, and embedding-based schema linking. Grounded on
// dbnotebook/core/sql_chat/{types,connection,schema,schema_linker}.py
// (original_source).
package sqlengine

import (
	"strings"
	"time"
)

// DatabaseType is one of the three supported external database dialects.
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
	DatabaseSQLite   DatabaseType = "sqlite"
)

// DefaultPort returns the conventional port for a database type, 0 for
// sqlite where it doesn't apply.
func (t DatabaseType) DefaultPort() int {
	switch t {
	case DatabasePostgres:
		return 5432
	case DatabaseMySQL:
		return 3306
	default:
		return 0
	}
}

// MaskingPolicy names three disjoint sets of column names. A column may
// only belong to one set; when the input data has a column in more than
// one, redact wins over mask, mask wins over hash.
type MaskingPolicy struct {
	MaskColumns   []string
	RedactColumns []string
	HashColumns   []string
}

// DatabaseConnection is a stored external database credential.
type DatabaseConnection struct {
	ID                 string
	Name               string
	Type               DatabaseType
	Host               string
	Port               int
	Database           string
	Username           string
	PasswordCiphertext string
	Schema             string
	MaskingPolicy      *MaskingPolicy
	UserID             string
	CreatedAt          time.Time
	LastUsedAt         time.Time
}

// ColumnInfo describes one table column.
type ColumnInfo struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
	ForeignKey string // "table.column", empty if none
	Comment    string
}

// TableInfo describes one table's shape and optional sampled content.
type TableInfo struct {
	Name         string
	Columns      []ColumnInfo
	RowCount     *int64
	SampleValues map[string][]string
}

// ForeignKey is one referential constraint.
type ForeignKey struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

// SchemaInfo is a full database schema snapshot with its fingerprint.
type SchemaInfo struct {
	DatabaseName  string
	Tables        []TableInfo
	Relationships []ForeignKey
	CachedAt      time.Time
	Fingerprint   string
}

// TableByName returns the table with the given name (case-insensitive), or
// nil if absent.
func (s SchemaInfo) TableByName(name string) *TableInfo {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}
