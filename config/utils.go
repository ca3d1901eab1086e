package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
)

// ToYaml formats the configuration into YAML and returns the bytes.
func ToYaml(c Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// ToYamlFile writes the configuration to a YAML file.
func ToYamlFile(c Config, path string) error {
	b, err := ToYaml(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// Parse parses a YAML doc into the given Config instance.
// Backends are completed with the defaults of their kind.
func Parse(raw []byte, conf *Config) error {
	// A backends list in the document replaces the existing one instead of
	// being merged into it element by element.
	prev := conf.Backends
	conf.Backends = nil
	err := yaml.Unmarshal(raw, conf)
	if err != nil {
		conf.Backends = prev
		return err
	}
	if conf.Backends == nil {
		conf.Backends = prev
	}
	for i, b := range conf.Backends {
		conf.Backends[i] = WithDefaults(b)
	}
	return nil
}

// ParseFile parses a molq config file, which is formatted in YAML,
// and returns a Config struct.
func ParseFile(relpath string, conf *Config) error {
	if relpath == "" {
		return nil
	}

	// Try to get absolute path. If it fails, fall back to relative path.
	path, abserr := filepath.Abs(relpath)
	if abserr != nil {
		path = relpath
	}

	// Read file
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config at path %s: \n%v", path, err)
	}

	// Parse file
	err = Parse(source, conf)
	if err != nil {
		return fmt.Errorf("failed to parse config at path %s: \n%v", path, err)
	}
	return nil
}
