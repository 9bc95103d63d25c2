package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// UserConfigFile returns the per-user config file path, preferring whichever
// candidate already exists.
func UserConfigFile() string {
	dir := filepath.Join(xdg.ConfigHome, "copima")
	for _, name := range userConfigFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, userConfigFileNames[0])
}

// ReadUserFile loads a config file as a raw section map. Missing files come
// back empty.
func ReadUserFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	layer := map[string]any{}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(raw, &layer); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &layer); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return normalizeLayer(layer), nil
}

// WriteUserFile persists a section map, creating the directory on first use.
func WriteUserFile(path string, layer map[string]any) error {
	var out []byte
	var err error
	if strings.HasSuffix(path, ".json") {
		out, err = json.MarshalIndent(layer, "", "  ")
	} else {
		out, err = yaml.Marshal(layer)
	}
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// UnsetPath removes a dotted-path key from a nested section map, pruning
// sections it empties on the way out.
func UnsetPath(layer map[string]any, path string) bool {
	parts := strings.Split(path, ".")
	return unsetPath(layer, parts)
}

func unsetPath(layer map[string]any, parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	key := parts[0]
	if len(parts) == 1 {
		if _, ok := layer[key]; !ok {
			return false
		}
		delete(layer, key)
		return true
	}
	child, ok := layer[key].(map[string]any)
	if !ok {
		return false
	}
	removed := unsetPath(child, parts[1:])
	if removed && len(child) == 0 {
		delete(layer, key)
	}
	return removed
}

// CoerceScalar parses a user-supplied string the way the environment layer
// does: bools and ints become typed, everything else stays a string.
func CoerceScalar(value string) any {
	return coerceScalar(value)
}
