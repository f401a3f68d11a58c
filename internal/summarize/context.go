package summarize

import (
	"fmt"
	"strings"

	"github.com/haivemind/haivemind/pkg/models"
)

// Preview caps for the rendered retry context.
const (
	contextListPreview = 5
	contextMinLength   = 200
	rawTailBytes       = 1024
)

// ToContext renders a summary as a Markdown block injected into retry
// prompts. When the rendering is shorter than contextMinLength and a raw
// tail is provided, the last kilobyte of raw output is appended so a
// sparse summary still carries signal.
func ToContext(s *models.OutputSummary, rawTail string) string {
	var b strings.Builder
	b.WriteString("## Previous Attempt Summary\n\n")
	if s.Digest != "" {
		b.WriteString(s.Digest)
		b.WriteString("\n\n")
	}

	writeList(&b, "Errors", s.Errors)
	writeList(&b, "Test failures", s.Tests.Details)
	writeList(&b, "Warnings", s.Warnings)
	writeList(&b, "Files changed", s.FilesChanged)
	writeList(&b, "Commands run", s.Commands)

	out := b.String()
	if len(out) < contextMinLength && rawTail != "" {
		if len(rawTail) > rawTailBytes {
			rawTail = rawTail[len(rawTail)-rawTailBytes:]
		}
		out += "### Raw output tail\n```\n" + rawTail + "\n```\n"
	}
	return out
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n", heading)
	shown := items
	if len(shown) > contextListPreview {
		shown = shown[:contextListPreview]
	}
	for _, item := range shown {
		fmt.Fprintf(b, "- %s\n", item)
	}
	if extra := len(items) - len(shown); extra > 0 {
		fmt.Fprintf(b, "- ... and %d more\n", extra)
	}
	b.WriteString("\n")
}
