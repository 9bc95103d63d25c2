package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

// Layer precedence, later wins: defaults < local file < user file < env < args.
const (
	layerPriorityLocalFile = 10
	layerPriorityUserFile  = 20
	layerPriorityEnv       = 30
	layerPriorityArgs      = 40
)

var configFileNames = []string{"copima.yaml", "copima.yml", "copima.json"}

var userConfigFileNames = []string{"config.yaml", "config.yml", "config.json"}

// Resolver merges the five configuration layers into a validated Config.
type Resolver struct {
	// WorkDir is where the local config file is searched. Defaults to ".".
	WorkDir string
	// UserConfigDir overrides the per-user config directory. Defaults to
	// $XDG_CONFIG_HOME/copima.
	UserConfigDir string
	// Environ supplies the process environment. Defaults to os.Environ.
	Environ func() []string
	// Args is the CLI layer as a nested section map.
	Args map[string]any
	// Vars feeds ${VAR} interpolation on the merged result. Defaults to the
	// process environment.
	Vars map[string]string
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve loads, merges, interpolates and validates the configuration.
func (r *Resolver) Resolve(_ context.Context) (Config, error) {
	if r == nil {
		r = NewResolver()
	}
	defaults := DefaultConfig()

	localLayer, err := r.loadFileLayer(r.localCandidates())
	if err != nil {
		return Config{}, err
	}
	userLayer, err := r.loadFileLayer(r.userCandidates())
	if err != nil {
		return Config{}, err
	}
	envLayer := environLayer(r.environ())
	argsLayer := cloneLayer(r.Args)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("local_file", layerPriorityLocalFile),
			localLayer,
			opts.WithSnapshotID[map[string]any]("local_file"),
		),
		opts.NewLayer(
			opts.NewScope("user_file", layerPriorityUserFile),
			userLayer,
			opts.WithSnapshotID[map[string]any]("user_file"),
		),
		opts.NewLayer(
			opts.NewScope("env", layerPriorityEnv),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
		opts.NewLayer(
			opts.NewScope("args", layerPriorityArgs),
			argsLayer,
			opts.WithSnapshotID[map[string]any]("args"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("config: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("config: options merge failed: %w", err)
	}

	interpolated := interpolateMap(merged.Value, r.vars())

	resolved, err := cfgx.Build[Config](interpolated,
		cfgx.WithDefaults(defaults),
		cfgx.WithTagName[Config]("koanf"),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func (r *Resolver) localCandidates() []string {
	dir := strings.TrimSpace(r.WorkDir)
	if dir == "" {
		dir = "."
	}
	paths := make([]string, 0, len(configFileNames))
	for _, name := range configFileNames {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

func (r *Resolver) userCandidates() []string {
	dir := strings.TrimSpace(r.UserConfigDir)
	if dir == "" {
		dir = filepath.Join(xdg.ConfigHome, "copima")
	}
	paths := make([]string, 0, len(userConfigFileNames))
	for _, name := range userConfigFileNames {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

// loadFileLayer reads the first existing candidate file. A missing file is an
// empty layer; a present but unreadable file is an error.
func (r *Resolver) loadFileLayer(candidates []string) (map[string]any, error) {
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
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
	return map[string]any{}, nil
}

func (r *Resolver) environ() []string {
	if r != nil && r.Environ != nil {
		return r.Environ()
	}
	return os.Environ()
}

func (r *Resolver) vars() map[string]string {
	if r != nil && len(r.Vars) > 0 {
		return r.Vars
	}
	vars := map[string]string{}
	for _, entry := range r.environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		vars[key] = value
	}
	return vars
}

// wellKnownEnv maps legacy variable names onto config paths.
var wellKnownEnv = map[string]string{
	"GITLAB_HOST":            "gitlab.host",
	"GITLAB_ACCESS_TOKEN":    "gitlab.access_token",
	"GITLAB_REFRESH_TOKEN":   "gitlab.refresh_token",
	"GITLAB_TIMEOUT":         "gitlab.timeout",
	"GITLAB_MAX_CONCURRENCY": "gitlab.max_concurrency",
	"GITLAB_RATE_LIMIT":      "gitlab.rate_limit",
	"DATABASE_PATH":          "database.path",
	"OUTPUT_ROOT_DIR":        "output.root_dir",
	"OUTPUT_FILE_NAMING":     "output.file_naming",
	"LOG_LEVEL":              "logging.level",
}

const envPrefix = "COPIMA_"

func environLayer(environ []string) map[string]any {
	layer := map[string]any{}
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if path, ok := wellKnownEnv[key]; ok {
			setPath(layer, path, coerceScalar(value))
			continue
		}
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, envPrefix)
		section, field, ok := strings.Cut(rest, "_")
		if !ok || section == "" || field == "" {
			continue
		}
		path := strings.ToLower(section) + "." + strings.ToLower(field)
		setPath(layer, path, coerceScalar(value))
	}
	return layer
}

// SetPath writes a dotted-path value into a nested section map. Exposed for
// the CLI flag layer.
func SetPath(layer map[string]any, path string, value any) {
	setPath(layer, path, value)
}

func setPath(layer map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := layer
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
}

func coerceScalar(value string) any {
	trimmed := strings.TrimSpace(value)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if parsed, err := strconv.Atoi(trimmed); err == nil {
		return parsed
	}
	return value
}

func cloneLayer(layer map[string]any) map[string]any {
	if len(layer) == 0 {
		return map[string]any{}
	}
	cloned := make(map[string]any, len(layer))
	for key, value := range layer {
		if nested, ok := value.(map[string]any); ok {
			cloned[key] = cloneLayer(nested)
			continue
		}
		cloned[key] = value
	}
	return cloned
}

// normalizeLayer rewrites yaml's map[any]any nodes into map[string]any so the
// options stack can merge file layers with env/args layers.
func normalizeLayer(layer map[string]any) map[string]any {
	normalized := make(map[string]any, len(layer))
	for key, value := range layer {
		normalized[key] = normalizeValue(value)
	}
	return normalized
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return normalizeLayer(typed)
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for key, item := range typed {
			converted[fmt.Sprint(key)] = normalizeValue(item)
		}
		return converted
	case []any:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, normalizeValue(item))
		}
		return items
	default:
		return value
	}
}
