package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/entitystream/errors"
)

const (
	// A full entitystream config is a few kilobytes; anything near these limits is not one.
	maxLayerSize   = 1 << 20
	maxLayerDepth  = 16
	maxEnvValueLen = 4096
	maxPathLen     = 4096
)

type layerFormat int

const (
	formatJSON layerFormat = iota
	formatYAML
)

// formatOf picks the decoder for a layer by extension
func formatOf(path string) (layerFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: unsupported config extension %q (want .json, .yaml or .yml)",
			errors.ErrInvalidConfig, filepath.Ext(path))
	}
}

// checkLayerPath rejects empty and oversized paths, unknown extensions, and relative
// paths that climb out of the working directory
func checkLayerPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty config path", errors.ErrInvalidConfig)
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("%w: config path too long: %d > %d", errors.ErrInvalidConfig, len(path), maxPathLen)
	}
	if _, err := formatOf(path); err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: config path %s leaves the working directory", errors.ErrInvalidConfig, path)
		}
	}
	return nil
}

// readLayer reads one config layer after checking its path, type and size
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config layer: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// writeLayer saves a config owner-only, since it may carry bus and status tokens
func writeLayer(path string, data []byte) error {
	if err := checkLayerPath(path); err != nil {
		return err
	}
	if len(data) > maxLayerSize {
		return fmt.Errorf("%w: config is %d bytes, limit %d", errors.ErrInvalidConfig, len(data), maxLayerSize)
	}
	return os.WriteFile(path, data, 0600)
}

// checkDepth walks a decoded layer. It runs after decoding so JSON and YAML (anchors
// and aliases included) are held to the same limit.
func checkDepth(v any, depth int) error {
	if depth > maxLayerDepth {
		return fmt.Errorf("%w: config nested deeper than %d levels", errors.ErrInvalidConfig, maxLayerDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkEnvValue applies to every ENTITYSTREAM_* override. Values end up in URLs,
// bearer tokens and file paths, none of which may hold control characters.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, key, len(value), maxEnvValueLen)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("%w: %s contains a control character", errors.ErrInvalidConfig, key)
	}
	return nil
}
