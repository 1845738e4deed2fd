package proposal

import (
	"strings"

	"github.com/refineryhq/refinery/internal/models"
)

// Apply produces candidate content by applying edits in order. An edit with
// an empty Before appends a new section named by its Location; otherwise the
// first occurrence of Before is replaced by After.
func Apply(content string, changes []models.Edit) string {
	out := content
	for _, e := range changes {
		if e.Before == "" {
			out = appendSection(out, e.Location, e.After)
			continue
		}
		out = strings.Replace(out, e.Before, e.After, 1)
	}
	return out
}

func appendSection(content, location, body string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n\n")
	if location != "" {
		b.WriteString("## " + location + "\n\n")
	}
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}
