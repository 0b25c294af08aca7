package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const modelAliasFile = "model_aliases.json"

// UpdateModelAliases installs a new alias table on the runtime snapshot.
func UpdateModelAliases(aliases map[string]string) {
	cur := Runtime()
	next := *cur
	next.ModelAliases = aliases
	UpdateRuntime(&next)
}

// NormalizeModelAliases trims keys and values and rejects empty or
// self-referential entries.
func NormalizeModelAliases(raw map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for alias, target := range raw {
		alias = strings.TrimSpace(alias)
		target = strings.TrimSpace(target)
		if alias == "" || target == "" {
			return nil, fmt.Errorf("config: model alias entries must be non-empty")
		}
		if alias == target {
			return nil, fmt.Errorf("config: model alias %q maps to itself", alias)
		}
		out[alias] = target
	}
	return out, nil
}

// LoadModelAliases reads the persisted alias table from the data directory.
// A missing file yields an empty table.
func LoadModelAliases(dataDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, modelAliasFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: read model aliases: %w", err)
	}
	var aliases map[string]string
	if err = json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("config: parse model aliases: %w", err)
	}
	return aliases, nil
}

// SaveModelAliases persists the alias table into the data directory.
func SaveModelAliases(dataDir string, aliases map[string]string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode model aliases: %w", err)
	}
	path := filepath.Join(dataDir, modelAliasFile)
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
