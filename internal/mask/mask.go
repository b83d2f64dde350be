// Package mask applies column-level masking policies to query results:
// full redaction (column dropped), masking (value replaced with a
// format-preserving placeholder), and hashing (stable anonymized
// fingerprint for analytics). Grounded on
// dbnotebook/core/sql_chat/data_masker.py (original_source).
package mask

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabfab/notebook-core/internal/sqlengine"
)

// Masker applies a MaskingPolicy to result rows and can suggest one from
// column names.
type Masker struct{}

// NewMasker constructs a Masker. It holds no state.
func NewMasker() *Masker { return &Masker{} }

// Apply masks results per policy. A column in more than one set resolves
// redact > mask > hash. A nil policy or empty results are returned
// unchanged.
func (m *Masker) Apply(results []map[string]any, policy *sqlengine.MaskingPolicy) []map[string]any {
	if policy == nil || len(results) == 0 {
		return results
	}

	maskCols := lowerSet(policy.MaskColumns)
	redactCols := lowerSet(policy.RedactColumns)
	hashCols := lowerSet(policy.HashColumns)

	out := make([]map[string]any, len(results))
	for i, row := range results {
		maskedRow := make(map[string]any, len(row))
		for col, value := range row {
			colLower := strings.ToLower(col)

			switch {
			case redactCols[colLower]:
				continue
			case maskCols[colLower]:
				maskedRow[col] = maskValue(value)
			case hashCols[colLower]:
				maskedRow[col] = hashValue(value)
			default:
				maskedRow[col] = value
			}
		}
		out[i] = maskedRow
	}
	return out
}

func lowerSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out
}

var phonePattern = regexp.MustCompile(`^\+?\d[\d\s-]{8,}$`)

func maskValue(value any) any {
	if value == nil {
		return nil
	}
	str := fmt.Sprintf("%v", value)

	if strings.Contains(str, "@") && strings.Contains(str, ".") {
		return "****@****.***"
	}
	if phonePattern.MatchString(str) {
		return "***-***-****"
	}
	return "****"
}

func hashValue(value any) any {
	if value == nil {
		return nil
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
	return hex.EncodeToString(sum[:])[:12]
}

// sensitivePatterns detect sensitive value formats in result data, used
// for warning users, not applied automatically.
var sensitivePatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	"phone":       regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	"ssn":         regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
}

// sensitiveColumnPatterns flag column names that often carry sensitive
// data, for suggesting a masking policy.
var sensitiveColumnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token)`),
	regexp.MustCompile(`(?i)(ssn|social_security|social_sec)`),
	regexp.MustCompile(`(?i)(credit_card|cc_num|card_number)`),
	regexp.MustCompile(`(?i)(email|e_mail)`),
	regexp.MustCompile(`(?i)(phone|mobile|cell|telephone)`),
	regexp.MustCompile(`(?i)(address|addr|street)`),
	regexp.MustCompile(`(?i)(dob|date_of_birth|birth_date)`),
	regexp.MustCompile(`(?i)(salary|income|compensation)`),
	regexp.MustCompile(`(?i)(api_key|api_secret|access_token)`),
}

// DetectSensitiveColumns returns the subset of columnNames that look like
// they carry sensitive data, by name alone.
func (m *Masker) DetectSensitiveColumns(columnNames []string) []string {
	var sensitive []string
	for _, col := range columnNames {
		for _, p := range sensitiveColumnPatterns {
			if p.MatchString(col) {
				sensitive = append(sensitive, col)
				break
			}
		}
	}
	return sensitive
}

// DetectSensitiveData scans up to sampleSize rows for values shaped like
// emails, phone numbers, SSNs, or credit card numbers.
func (m *Masker) DetectSensitiveData(results []map[string]any, sampleSize int) map[string]map[string]bool {
	detected := make(map[string]map[string]bool)

	limit := sampleSize
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}

	for _, row := range results[:limit] {
		for col, value := range row {
			if value == nil {
				continue
			}
			str := fmt.Sprintf("%v", value)
			for dataType, pattern := range sensitivePatterns {
				if pattern.MatchString(str) {
					if detected[col] == nil {
						detected[col] = make(map[string]bool)
					}
					detected[col][dataType] = true
				}
			}
		}
	}
	return detected
}

// Summary reports which columns were masked, redacted, or hashed.
type Summary struct {
	Rows            int
	TotalColumns    int
	MaskedColumns   []string
	RedactedColumns []string
	HashedColumns   []string
}

// GetMaskingSummary reports which columns in results were affected by
// policy. It inspects column names present in the (already masked)
// results against policy, for display purposes.
func (m *Masker) GetMaskingSummary(results []map[string]any, policy *sqlengine.MaskingPolicy) Summary {
	if len(results) == 0 {
		return Summary{}
	}

	allColumns := make(map[string]bool)
	for _, row := range results {
		for col := range row {
			allColumns[col] = true
		}
	}

	summary := Summary{Rows: len(results), TotalColumns: len(allColumns)}
	if policy == nil {
		return summary
	}

	maskCols := lowerSet(policy.MaskColumns)
	redactCols := lowerSet(policy.RedactColumns)
	hashCols := lowerSet(policy.HashColumns)

	for col := range allColumns {
		colLower := strings.ToLower(col)
		switch {
		case maskCols[colLower]:
			summary.MaskedColumns = append(summary.MaskedColumns, col)
		case redactCols[colLower]:
			summary.RedactedColumns = append(summary.RedactedColumns, col)
		case hashCols[colLower]:
			summary.HashedColumns = append(summary.HashedColumns, col)
		}
	}
	return summary
}

// CreatePolicyFromDetection suggests a MaskingPolicy from column names
// alone: credentials are redacted, PII is masked, identifiers are hashed.
func (m *Masker) CreatePolicyFromDetection(columnNames []string) sqlengine.MaskingPolicy {
	var policy sqlengine.MaskingPolicy

	for _, col := range columnNames {
		colLower := strings.ToLower(col)
		switch {
		case containsAny(colLower, "password", "secret", "token", "api_key"):
			policy.RedactColumns = append(policy.RedactColumns, col)
		case containsAny(colLower, "email", "phone", "ssn", "credit_card", "address"):
			policy.MaskColumns = append(policy.MaskColumns, col)
		case containsAny(colLower, "user_id", "customer_id", "account_id"):
			policy.HashColumns = append(policy.HashColumns, col)
		}
	}
	return policy
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
