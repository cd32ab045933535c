package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// toMap renders the config as a generic YAML map for path traversal.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("remap config: %w", err)
	}
	return m, nil
}

// GetByPath looks up a dotted path like "router.max_attempts".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config path %q: %q is not a section", path, p)
		}
		cur, ok = node[p]
		if !ok {
			return nil, fmt.Errorf("config path %q: unknown key %q", path, p)
		}
	}
	return cur, nil
}

// SetByPath assigns a value at a dotted path and folds it back into the
// typed config. Values parse as bool, int, or float before falling back
// to string.
func SetByPath(cfg *Config, path, value string) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	node := m
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parseScalar(value)

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("remarshal config: %w", err)
	}
	updated := Defaults()
	if err := yaml.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("config path %q: value %q does not fit: %w", path, value, err)
	}
	if err := Validate(updated); err != nil {
		return err
	}
	*cfg = *updated
	return nil
}

func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy with secrets redacted, for display.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Backends = make(map[string]BackendConfig, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		bc.APIKey = redact(bc.APIKey)
		out.Backends[name] = bc
	}
	out.Channels.Discord.Token = redact(cfg.Channels.Discord.Token)
	out.Channels.Telegram.Token = redact(cfg.Channels.Telegram.Token)
	out.Memory.Embedding.APIKey = redact(cfg.Memory.Embedding.APIKey)
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
