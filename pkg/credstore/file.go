package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"hawk-auth-gateway/pkg/models"
)

// ErrUnsupportedFormat is returned for key files that are not YAML, TOML or JSON.
var ErrUnsupportedFormat = errors.New("unsupported credentials file format")

// LoadFile reads a key file and returns its enabled credentials. The format
// follows the extension: .yaml/.yml, .toml or .json.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	file, err := ParseFile(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return FromEntries(file.Credentials)
}

// ParseFile decodes key file contents for the given extension.
func ParseFile(ext string, data []byte) (*models.CredentialFile, error) {
	var file models.CredentialFile

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown toml keys: %v", undecoded)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return &file, nil
}
