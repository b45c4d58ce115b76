package stage

import "strings"

// StripMarkdown removes formatting characters that read badly when spoken:
// emphasis markers, backticks, and heading/list prefixes. The text itself is
// left intact.
func StripMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, line := range strings.SplitAfter(s, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		for len(trimmed) > 0 && trimmed[0] == '#' {
			trimmed = trimmed[1:]
		}
		trimmed = strings.TrimPrefix(trimmed, " ")
		b.WriteString(trimmed)
	}

	out := b.String()
	out = strings.ReplaceAll(out, "**", "")
	out = strings.ReplaceAll(out, "__", "")
	out = strings.ReplaceAll(out, "*", "")
	out = strings.ReplaceAll(out, "_", "")
	out = strings.ReplaceAll(out, "`", "")
	return out
}
