package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tomvit/yamc-go/internal/errs"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// valueFromNode recursively converts a yaml.Node into the agent's
// ConfigValue shape: map[string]any, []any, *expr.Expression (for
// !py-tagged scalars), or a plain decoded scalar. !env-tagged scalars
// are substituted against envMap and returned as a plain string.
func valueFromNode(n *yaml.Node, envMap map[string]string) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return valueFromNode(n.Content[0], envMap)
	case yaml.ScalarNode:
		switch n.Tag {
		case "!env":
			return substituteEnv(n.Value, envMap), nil
		case "!py":
			return yamcexpr.Compile(n.Value)
		default:
			var v any
			if err := n.Decode(&v); err != nil {
				return nil, err
			}
			return v, nil
		}
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			val, err := valueFromNode(n.Content[i+1], envMap)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, len(n.Content))
		for i, c := range n.Content {
			val, err := valueFromNode(c, envMap)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case yaml.AliasNode:
		return valueFromNode(n.Alias, envMap)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func substituteEnv(text string, envMap map[string]string) string {
	return envRefPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		return envMap[name]
	})
}

func loadRawMap(path string, envMap map[string]string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfig(path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errs.NewConfig(path, err)
	}
	v, err := valueFromNode(&root, envMap)
	if err != nil {
		return nil, errs.NewConfig(path, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.NewConfig(path, fmt.Errorf("top-level document is not a mapping"))
	}
	return m, nil
}

func fillMissing(dst, src map[string]any) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// Load reads configFile (composing in any include: files, with the
// main file's own keys always winning and earlier-listed includes
// taking precedence over later ones), applies defaults: merging to
// providers/collectors/writers, and returns the resulting Config.
// envFile, when non-empty, is parsed and merged with the OS
// environment (file entries win on conflicts) before !env tags are
// resolved.
func Load(configFile, envFile string, test bool, logLevel string) (*Config, error) {
	envMap, err := loadEnv(envFile)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(configFile)
	merged, err := loadRawMap(configFile, envMap)
	if err != nil {
		return nil, err
	}

	if rawIncludes, ok := merged["include"]; ok {
		includes, _ := rawIncludes.([]any)
		for _, inc := range includes {
			name, ok := inc.(string)
			if !ok {
				continue
			}
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			incMap, err := loadRawMap(path, envMap)
			if err != nil {
				return nil, err
			}
			fillMissing(merged, incMap)
		}
	}

	cfg := &Config{
		ConfigFile: configFile,
		EnvFile:    envFile,
		Test:       test,
		LogLevel:   logLevel,
	}

	if dirs, ok := merged["directories"].(map[string]any); ok {
		cfg.Directories.Logs, _ = dirs["logs"].(string)
		cfg.Directories.Data, _ = dirs["data"].(string)
	}

	if cf, ok := merged["custom-functions"].(map[string]any); ok {
		cfg.CustomFunctions = make(map[string]string, len(cf))
		for k, v := range cf {
			if s, ok := v.(string); ok {
				cfg.CustomFunctions[k] = s
			}
		}
	}

	if defs, ok := merged["defaults"].(map[string]any); ok {
		cfg.Defaults.Providers = parseDefaultEntries(defs["providers"])
		cfg.Defaults.Collectors = parseDefaultEntries(defs["collectors"])
		cfg.Defaults.Writers = parseDefaultEntries(defs["writers"])
	}

	cfg.Writers, err = parseComponents(merged["writers"], cfg.Defaults.Writers)
	if err != nil {
		return nil, err
	}
	cfg.Collectors, err = parseComponents(merged["collectors"], cfg.Defaults.Collectors)
	if err != nil {
		return nil, err
	}
	cfg.Providers, err = parseComponents(merged["providers"], cfg.Defaults.Providers)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseDefaultEntries reads a `defaults:` list of `{pattern, …overrides}`
// mappings: every key besides "pattern" is an override value to fill
// missing component keys with, not a nested sub-map.
func parseDefaultEntries(raw any) []DefaultEntry {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]DefaultEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pattern, _ := m["pattern"].(string)
		values := make(map[string]any, len(m))
		for k, v := range m {
			if k == "pattern" {
				continue
			}
			values[k] = v
		}
		out = append(out, DefaultEntry{Pattern: pattern, Values: values})
	}
	return out
}

var componentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

func parseComponents(raw any, defaults []DefaultEntry) ([]ComponentSpec, error) {
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, nil
	}
	out := make([]ComponentSpec, 0, len(section))
	for id, v := range section {
		if !componentIDPattern.MatchString(id) {
			return nil, errs.NewConfig(id, fmt.Errorf("invalid component id"))
		}
		values, ok := v.(map[string]any)
		if !ok {
			return nil, errs.NewConfig(id, fmt.Errorf("component entry must be a mapping"))
		}
		applyDefaults(id, values, defaults)
		class, _ := values["class"].(string)
		if class == "" {
			return nil, errs.NewConfig(id, fmt.Errorf("missing required 'class' field"))
		}
		out = append(out, ComponentSpec{ID: id, Class: class, Values: values})
	}
	return out, nil
}

// applyDefaults fills keys absent from values with the values of every
// defaults: entry whose pattern matches id, in list order, never
// overwriting a key the component itself set.
func applyDefaults(id string, values map[string]any, defaults []DefaultEntry) {
	for _, d := range defaults {
		if d.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(d.Pattern)
		if err != nil || !re.MatchString(id) {
			continue
		}
		fillMissing(values, d.Values)
	}
}
