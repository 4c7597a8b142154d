package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// formatOf picks the decoder from the file extension; anything that is not
// .yaml/.yml is JSON.
func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// decodeStrict decodes exactly one document. Unknown keys and trailing data
// are errors in both formats; an empty YAML document is an empty config.
func decodeStrict(f format, data []byte) (*Config, error) {
	var cfg Config
	switch f {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			if errors.Is(err, io.EOF) {
				return &cfg, nil
			}
			return nil, fmt.Errorf("yaml: %w", err)
		}
		var extra yaml.Node
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			if err == nil {
				return nil, errors.New("yaml: trailing data (multiple documents)")
			}
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			if err == nil {
				return nil, errors.New("trailing data")
			}
			return nil, err
		}
	}
	return &cfg, nil
}
