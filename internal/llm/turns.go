package llm

import "strings"

// normalizeTurns coalesces every system turn into one leading system turn
// (providers may reject more than one) and drops turns with blank content.
// Relative order of the remaining turns is preserved.
func normalizeTurns(turns []Turn) []Turn {
	var system []string
	rest := make([]Turn, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if t.Role == RoleSystem {
			system = append(system, content)
			continue
		}
		rest = append(rest, Turn{Role: t.Role, Content: t.Content})
	}
	if len(system) == 0 {
		return rest
	}
	out := make([]Turn, 0, len(rest)+1)
	out = append(out, Turn{Role: RoleSystem, Content: strings.Join(system, "\n\n")})
	return append(out, rest...)
}

// splitSystem separates a normalized conversation into its system text and the rest.
func splitSystem(turns []Turn) (string, []Turn) {
	if len(turns) > 0 && turns[0].Role == RoleSystem {
		return turns[0].Content, turns[1:]
	}
	return "", turns
}
