package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName = "erpkernel"
	envPrefix  = "ERPKERNEL"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for erpkernel.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so a binary of the same base
// name is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig treats as env-only mode.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// ERPKERNEL_AUDIT_SINK overrides audit.sink
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for erpkernel.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".erpkernel"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "erpkernel"))
		}
	} else {
		paths = append(paths, "/etc/erpkernel")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first erpkernel.yaml or .yml found in
// paths, or an empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys lists every key that can be overridden from the environment.
// Viper only consults AutomaticEnv for keys it already knows about, so
// nested keys must be bound explicitly for Unmarshal to see them.
var envKeys = []string{
	"execution.default_timeout",

	"audit.sink",
	"audit.dir",
	"audit.sqlite_path",
	"audit.postgres_dsn",
	"audit.write_timeout",
	"audit.batch_size",
	"audit.flush_interval",
	"audit.queue_size",
	"audit.send_timeout",
	"audit.warning_threshold",
	"audit.archive_after_days",
	"audit.max_file_size_mb",
	"audit.sync_on_append",

	"epochs.backend",
	"epochs.redis_addr",
	"epochs.key_prefix",

	"log.level",
	"log.format",
}

func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults but does
// not validate. Use this when CLI flags may still override values.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment variables and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
