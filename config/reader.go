package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Read reads a config from the given file. Environment variables referenced as $VAR or ${VAR}
// are substituted before decoding, and values that are not set keep their defaults.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
// JSON files are decoded as JSON; everything else as YAML.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Default()
	if strings.EqualFold(filepath.Ext(originalPath), ".json") {
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrap(err, "cannot unmarshal config")
		}
	} else {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "cannot unmarshal config")
		}
	}
	cfg.ConfigFilePath = originalPath
	if cfg.Input != "" && !filepath.IsAbs(cfg.Input) && originalPath != "" {
		cfg.Input = filepath.Join(filepath.Dir(originalPath), cfg.Input)
	}
	if cfg.Workspace != "" && !filepath.IsAbs(cfg.Workspace) && originalPath != "" {
		cfg.Workspace = filepath.Join(filepath.Dir(originalPath), cfg.Workspace)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
