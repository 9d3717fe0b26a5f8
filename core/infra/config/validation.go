package config

import (
	"fmt"
	"os"
	"strings"

	configschema "github.com/cordum/ragops/core/infra/schema"
	"gopkg.in/yaml.v3"
)

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	if payload == nil {
		return nil
	}
	schemaID := strings.ReplaceAll(name, " ", "-")
	if err := configschema.ValidateSchema(schemaID, schemaBytes, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}

// decodeFile reads, schema-checks and decodes a YAML file into out.
// An empty path is not an error; the caller keeps its defaults.
func decodeFile(name, schemaPath, path string, out any) error {
	if path == "" {
		return nil
	}
	// #nosec G304 -- config paths are operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s config: %w", name, err)
	}
	return decodeBytes(name, schemaPath, data, out)
}

func decodeBytes(name, schemaPath string, data []byte, out any) error {
	if err := validateConfigSchema(name, schemaPath, data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	return nil
}
