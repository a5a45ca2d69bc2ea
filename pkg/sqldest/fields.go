package sqldest

import (
	"fmt"
	"strings"
)

// ValueDefault is the sentinel value entry marking a column that should
// use its SQL default: the column is omitted from the INSERT statement
// entirely.
const ValueDefault = "DEFAULT"

// Field pairs one column with its value template. A field whose value was
// the DEFAULT sentinel carries UseDefault instead of a template.
type Field struct {
	Name       string
	Type       string
	Value      string
	UseDefault bool
}

// buildFields zips Config.Columns and Config.Values into fields, applying
// the column grammar: a bare "name" defaults the type to text, "name TYPE"
// splits on the first run of spaces. A column whose name is not already a
// sanitized SQL identifier, or a length mismatch between the two lists, is
// a fatal init failure.
func buildFields(cfg Config) ([]Field, error) {
	if len(cfg.Columns) != len(cfg.Values) {
		return nil, fmt.Errorf("sqldest: the number of columns and values do not match (len_columns=%d, len_values=%d)",
			len(cfg.Columns), len(cfg.Values))
	}

	fields := make([]Field, len(cfg.Columns))
	for i, col := range cfg.Columns {
		name, typ := splitColumn(col)
		if !isSanitizedIdentifier(name) {
			return nil, fmt.Errorf("sqldest: column name is not a proper SQL name (column=%q)", name)
		}
		fields[i] = Field{Name: name, Type: typ}

		if cfg.Values[i] == ValueDefault {
			fields[i].UseDefault = true
		} else {
			fields[i].Value = cfg.Values[i]
		}
	}
	return fields, nil
}

// splitColumn parses a column entry at the first space: "name TYPE" or a
// bare "name" whose type defaults to text.
func splitColumn(entry string) (name, typ string) {
	idx := strings.IndexByte(entry, ' ')
	if idx < 0 {
		return entry, "text"
	}
	name = entry[:idx]
	typ = strings.TrimLeft(entry[idx:], " ")
	if typ == "" {
		typ = "text"
	}
	return name, typ
}
