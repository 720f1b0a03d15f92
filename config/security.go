package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Limits applied to settings layers and environment overrides.
const (
	maxConfigSize = 1 << 20
	maxDepth      = 32
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

var layerExtensions = []string{".yaml", ".yml", ".json"}

// safeReadFile reads one settings layer after checking its path, type
// and size.
func safeReadFile(path string) ([]byte, error) {
	switch {
	case path == "":
		return nil, errors.New("invalid config path: empty")
	case len(path) > maxPathLen:
		return nil, fmt.Errorf("invalid config path: longer than %d", maxPathLen)
	case slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".."):
		return nil, fmt.Errorf("invalid config path: %s escapes its directory", path)
	case !slices.Contains(layerExtensions, strings.ToLower(filepath.Ext(path))):
		return nil, fmt.Errorf("invalid config path: %s is not a YAML or JSON file", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat settings file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("settings file %s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("settings file %s is %d bytes, limit %d", path, info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s exceeds %d bytes", key, maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("environment variable %s contains a NUL byte", key)
	}
	return nil
}

// validateDepth rejects layers nested deeper than maxDepth.
func validateDepth(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("settings nested deeper than %d levels", maxDepth)
	}
	var children []any
	switch t := v.(type) {
	case map[string]any:
		for _, c := range t {
			children = append(children, c)
		}
	case []any:
		children = t
	}
	for _, c := range children {
		if err := validateDepth(c, depth+1); err != nil {
			return err
		}
	}
	return nil
}
