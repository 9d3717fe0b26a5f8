package config

// SafetyPolicy lists content patterns that block ingestion.
type SafetyPolicy struct {
	MaxContentBytes int64      `yaml:"max_content_bytes"`
	Deny            []DenyRule `yaml:"deny"`
}

type DenyRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// LoadSafetyPolicy loads the YAML policy. A missing file yields an empty
// policy (allow everything) plus the read error.
func LoadSafetyPolicy(path string) (*SafetyPolicy, error) {
	cfg := &SafetyPolicy{}
	if err := decodeFile("safety policy", safetySchemaFile, path, cfg); err != nil {
		return &SafetyPolicy{}, err
	}
	return cfg, nil
}

// ParseSafetyPolicy parses policy bytes.
func ParseSafetyPolicy(data []byte) (*SafetyPolicy, error) {
	cfg := &SafetyPolicy{}
	if err := decodeBytes("safety policy", safetySchemaFile, data, cfg); err != nil {
		return &SafetyPolicy{}, err
	}
	return cfg, nil
}
