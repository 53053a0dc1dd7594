// Package config provides configuration loading for the chimera gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for a
// chimera.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = os.Getenv("CHIMERA_CONFIG")
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully (env-only configuration).
		viper.SetConfigName("chimera")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CHIMERA_GATEWAY_HTTP_ADDR etc.
	viper.SetEnvPrefix("CHIMERA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for chimera.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".config", "chimera"),
		"/etc/chimera",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "chimera"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment override.
// List-valued keys (api_keys, mock rules, seeds) stay file-only.
func bindNestedEnvKeys() {
	keys := []string{
		"scenario",
		"logging.level",
		"gateway.transport",
		"gateway.http_addr",
		"gateway.target",
		"gateway.backend_url",
		"gateway.forward_timeout",
		"session.store",
		"session.window",
		"session.idle_ttl",
		"session.redis.addr",
		"session.redis.password",
		"session.redis.db",
		"classifier.mode",
		"classifier.endpoint",
		"classifier.model",
		"classifier.api_key",
		"classifier.budget",
		"policy.manifest",
		"policy.cache_size",
		"warrant.key_dir",
		"warrant.ttl",
		"ledger.path",
		"ledger.genesis",
		"ledger.flush_interval",
		"archive.enabled",
		"archive.path",
		"context.user_id",
		"context.user_role",
		"context.source",
		"backend.transport",
		"backend.http_addr",
		"backend.key_dir",
		"backend.production.db_path",
		"backend.production.fs_root",
		"backend.shadow.db_path",
		"backend.shadow.fs_root",
		"observability.tracing",
		"observability.metrics",
	}
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}
}

// LoadConfig reads the base configuration, merges the scenario overlay if
// one is named, applies defaults, and validates. Any inconsistency refuses
// startup.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: environment-only configuration.
	}

	if err := mergeScenario(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// mergeScenario deep-merges scenarios/<name>.yaml over the base document.
// The overlay is resolved relative to the base config file's directory, or
// the working directory when configuration is environment-only.
func mergeScenario() error {
	name := viper.GetString("scenario")
	if name == "" {
		return nil
	}

	dir := "."
	if used := viper.ConfigFileUsed(); used != "" {
		dir = filepath.Dir(used)
	}
	path := ScenarioPath(dir, name)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", name, err)
	}
	if err := viper.MergeConfig(strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("merge scenario %q: %w", name, err)
	}
	return nil
}

// ScenarioPath resolves a scenario name to its overlay file under dir.
func ScenarioPath(dir, name string) string {
	return filepath.Join(dir, "scenarios", name+".yaml")
}

// ConfigFileUsed returns the loaded configuration file path, or empty in
// environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
