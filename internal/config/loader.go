package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load reads configuration from an optional YAML file, then overrides with
// PROMPTD_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (PROMPTD_TARGET_BUDGET_TOKENS, ...)
//  2. YAML config file
//  3. Defaults
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
			}
		}
	}

	// PROMPTD_TARGET_BUDGET_TOKENS -> target_budget_tokens
	// PROMPTD_LOGGING_LEVEL -> logging.level
	if err := k.Load(env.Provider("PROMPTD_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "PROMPTD_"))
		if section, field, ok := strings.Cut(key, "_"); ok && section == "logging" {
			return section + "." + field
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.NormalizeTypeFractions()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigFile reads the YAML file if it exists, enforcing a size cap.
// A missing file is not an error; the defaults apply.
func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)",
			ErrInvalidConfig, info.Size(), maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}
