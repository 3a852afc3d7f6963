package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const (
	includeKey = "$include"

	// maxIncludeDepth bounds nested $include chains.
	maxIncludeDepth = 8
)

var errSingleDocument = errors.New("expected a single document")

// LoadRaw reads a configuration file into a raw map. Files listed under
// $include are loaded first, relative to the including file, and the
// including file's own keys win on conflict.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{}
	return l.load(path)
}

// rawLoader tracks the chain of files being loaded.
type rawLoader struct {
	chain []string
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range l.chain {
		if p == absPath {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(l.chain, " -> "), absPath)
		}
	}
	if len(l.chain) >= maxIncludeDepth {
		return nil, fmt.Errorf("config includes nested deeper than %d at %s", maxIncludeDepth, absPath)
	}
	l.chain = append(l.chain, absPath)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		incRaw, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv substitutes $VAR and ${VAR}. ${VAR:-default} falls back to
// default when VAR is unset or empty.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasDefault {
			return v
		}
		return fallback
	})
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errSingleDocument
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes the $include key from raw and returns its paths.
func popIncludes(raw map[string]any) ([]string, error) {
	value, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	var paths []string
	switch typed := value.(type) {
	case nil:
	case string:
		paths = []string{typed}
	case []any:
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge; any other value in
// src replaces the one in dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig converts a merged raw map into a Config, rejecting keys
// that do not map to a field.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
