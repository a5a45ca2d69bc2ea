package sqldest

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkazarian/threadeddest/pkg/destdrv"
)

// buildInsertCommand renders the full INSERT statement for one message:
// every non-DEFAULT field contributes its column name and its rendered
// value, quoted through the connection's string-quoting primitive, or the
// bare keyword NULL when the rendered value matches the configured
// null_value exactly.
func buildInsertCommand(ctx context.Context, fields []Field, renderer destdrv.Renderer, quote func(string) string, nullValue, table string, msg destdrv.Message, seqNum int32) (string, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO " + table + " (")

	first := true
	for _, f := range fields {
		if f.UseDefault {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		first = false
	}

	b.WriteString(") VALUES (")

	first = true
	for _, f := range fields {
		if f.UseDefault {
			continue
		}
		value, err := renderer.Render(ctx, f.Value, msg, seqNum)
		if err != nil {
			return "", fmt.Errorf("sqldest: render value for column %s: %w", f.Name, err)
		}
		if !first {
			b.WriteString(", ")
		}
		if nullValue != "" && value == nullValue {
			b.WriteString("NULL")
		} else {
			b.WriteString(quote(value))
		}
		first = false
	}

	b.WriteString(")")
	return b.String(), nil
}
