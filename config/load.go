package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the document at path, applies the environments.{env} overlay
// when env is non-empty, and returns the validated configuration.
func Load(path, env string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return Parse(raw, env)
}

// Parse decodes a document from raw bytes. See Load.
func Parse(raw []byte, env string) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// Environments are peeled off before strict decoding; only the selected
	// overlay is merged and therefore checked.
	overlays, _ := doc["environments"].(map[string]any)
	delete(doc, "environments")

	if env != "" {
		ov, ok := overlays[env]
		if !ok {
			return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalid, env)
		}
		patch, ok := ov.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: environments.%s is not a mapping", ErrInvalid, env)
		}
		doc = merge(doc, patch)
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge patches dst with src: mappings merge recursively, everything else
// (scalars, sequences) replaces. dst is modified and returned.
func merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if dm, ok := dst[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				dst[k] = merge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
