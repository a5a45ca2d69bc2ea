package destdrv

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// TemplateRenderer is the reference Renderer implementation: it treats
// template as Go text/template source, executed against a struct whose
// "Msg" field holds msg and whose "SeqNum" field holds the driver's
// sequence number (e.g. for synthetic primary keys).
//
// Message objects and their field grammar belong to the host pipeline,
// but a concrete implementation ships so the package is directly usable
// without one.
type TemplateRenderer struct{}

// NewTemplateRenderer returns a ready-to-use TemplateRenderer.
func NewTemplateRenderer() *TemplateRenderer { return &TemplateRenderer{} }

type renderData struct {
	Msg    Message
	SeqNum int32
}

// Render compiles template fresh on every call; parsed templates are not
// cached, so a caller that renders the table name and every column value
// of each message parses each of those templates once per message.
func (r *TemplateRenderer) Render(ctx context.Context, tmplSrc string, msg Message, seqNum int32) (string, error) {
	tmpl, err := template.New("destdrv").Parse(tmplSrc)
	if err != nil {
		return "", fmt.Errorf("destdrv: parse template: %w", err)
	}

	data := renderData{Msg: msg, SeqNum: seqNum}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("destdrv: execute template: %w", err)
	}
	return buf.String(), nil
}
