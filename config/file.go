package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	tcerr "tracecap/internal/errors"
)

// LoadFile overlays the YAML file at path onto cfg.  Keys absent from
// the file leave cfg untouched; durations are written as "90s" or "5m".
// An empty path is a no-op.
func LoadFile(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return &tcerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &tcerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	return nil
}
