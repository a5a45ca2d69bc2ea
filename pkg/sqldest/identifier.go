package sqldest

import (
	"crypto/md5" //nolint:gosec // used only for index-name truncation, not for security
	"encoding/hex"
	"strings"
)

// sanitizeIdentifier replaces every byte outside [A-Za-z0-9._] with '_',
// so a rendered table name can be embedded in SQL text without quoting.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isValidIdentifierChar(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// isSanitizedIdentifier reports whether name is already a proper SQL
// identifier, i.e. sanitizing it would be a no-op.
func isSanitizedIdentifier(name string) bool {
	for i := 0; i < len(name); i++ {
		if !isValidIdentifierChar(name[i]) {
			return false
		}
	}
	return true
}

func isValidIdentifierChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_':
		return true
	default:
		return false
	}
}

// indexName derives an index name for (table, column). Most dialects use
// "<table>_<column>_idx" directly. Oracle caps identifiers at 30
// characters, so when the natural name would exceed that, the name is
// synthesized instead: the hex MD5 of "<table>_<column>" truncated to 30
// characters, with the first character overwritten to 'i' so the result
// never starts with a digit.
func indexName(dialect, table, column string) string {
	if normalizeDialectName(dialect) != dialectOracle || len(table)+len(column) <= 25 {
		return table + "_" + column + "_idx"
	}

	sum := md5.Sum([]byte(table + "_" + column)) //nolint:gosec // naming only
	hexSum := hex.EncodeToString(sum[:])[:30]
	return "i" + hexSum[1:]
}
