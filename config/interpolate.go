package config

import (
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateMap walks the merged layer and replaces ${VAR} references in
// string values. Unknown variables resolve to the empty string.
func interpolateMap(layer map[string]any, vars map[string]string) map[string]any {
	if len(layer) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(layer))
	for key, value := range layer {
		out[key] = interpolateValue(value, vars)
	}
	return out
}

func interpolateValue(value any, vars map[string]string) any {
	switch typed := value.(type) {
	case string:
		return interpolateString(typed, vars)
	case map[string]any:
		return interpolateMap(typed, vars)
	case []any:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, interpolateValue(item, vars))
		}
		return items
	default:
		return value
	}
}

func interpolateString(value string, vars map[string]string) string {
	if !strings.Contains(value, "${") {
		return value
	}
	return varPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		return vars[name]
	})
}
