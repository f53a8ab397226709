package events

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// narrationFor synthesises the one-sentence context line shown before a
// tool runs when the model emitted no text this turn. Heuristic by
// design; templates are keyed by tool class so model-specific phrasing
// has one place to grow.
func narrationFor(class toolClass, name string, input map[string]any) string {
	switch class {
	case toolWrite:
		if path := inputString(input, "file_path", "path"); path != "" {
			return fmt.Sprintf("I'll create %s.", path)
		}
		return "I'll create a file."
	case toolEdit:
		if path := inputString(input, "file_path", "path"); path != "" {
			return fmt.Sprintf("I'll update %s.", path)
		}
		return "I'll make an edit."
	case toolExec:
		if cmd := inputString(input, "command", "cmd"); cmd != "" {
			return fmt.Sprintf("I'll run `%s`.", firstLine(cmd))
		}
		return "I'll run a command."
	default:
		return fmt.Sprintf("I'll use the %s tool.", name)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) <= max {
		return s
	}
	// never cut through a multi-byte rune
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
