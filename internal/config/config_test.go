package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Execution.DefaultTimeout", cfg.Execution.DefaultTimeout, "10s"},
		{"Audit.Sink", cfg.Audit.Sink, "memory"},
		{"Audit.WriteTimeout", cfg.Audit.WriteTimeout, "5s"},
		{"Audit.BatchSize", cfg.Audit.BatchSize, 100},
		{"Audit.FlushInterval", cfg.Audit.FlushInterval, "50ms"},
		{"Audit.QueueSize", cfg.Audit.QueueSize, 1000},
		{"Audit.SendTimeout", cfg.Audit.SendTimeout, "100ms"},
		{"Audit.WarningThreshold", cfg.Audit.WarningThreshold, 80},
		{"Audit.ArchiveAfterDays", cfg.Audit.ArchiveAfterDays, 0},
		{"Audit.MaxFileSizeMB", cfg.Audit.MaxFileSizeMB, 100},
		{"Epochs.Backend", cfg.Epochs.Backend, "memory"},
		{"Epochs.KeyPrefix", cfg.Epochs.KeyPrefix, "erpkernel:epoch:"},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Execution: ExecutionConfig{DefaultTimeout: "3s"},
		Audit:     AuditConfig{Sink: "file", Dir: "/var/lib/erpkernel", BatchSize: 10},
		Epochs:    EpochsConfig{Backend: "redis", RedisAddr: "localhost:6379"},
		Log:       LogConfig{Level: "debug", Format: "json"},
	}
	cfg.SetDefaults()

	if cfg.Execution.DefaultTimeout != "3s" {
		t.Errorf("DefaultTimeout was overwritten: got %q, want %q", cfg.Execution.DefaultTimeout, "3s")
	}
	if cfg.Audit.Sink != "file" || cfg.Audit.BatchSize != 10 {
		t.Errorf("Audit was overwritten: got sink %q batch %d", cfg.Audit.Sink, cfg.Audit.BatchSize)
	}
	if cfg.Epochs.Backend != "redis" {
		t.Errorf("Epochs.Backend was overwritten: got %q", cfg.Epochs.Backend)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log was overwritten: got %+v", cfg.Log)
	}
}

func TestConfig_WarningThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured int
		wantField  int
		wantPct    int
	}{
		{name: "unset uses default", configured: 0, wantField: 80, wantPct: 80},
		{name: "explicit value", configured: 50, wantField: 50, wantPct: 50},
		{name: "disabled", configured: -1, wantField: -1, wantPct: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Audit: AuditConfig{WarningThreshold: tt.configured}}
			cfg.SetDefaults()
			if cfg.Audit.WarningThreshold != tt.wantField {
				t.Errorf("WarningThreshold = %d, want %d", cfg.Audit.WarningThreshold, tt.wantField)
			}
			if got := cfg.Audit.WarningPercent(); got != tt.wantPct {
				t.Errorf("WarningPercent() = %d, want %d", got, tt.wantPct)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error: %v", err)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Execution: ExecutionConfig{DefaultTimeout: "250ms"},
		Audit:     AuditConfig{WriteTimeout: "2s", FlushInterval: "10ms", SendTimeout: "bogus"},
	}

	if got := cfg.Execution.Timeout(); got != 250*time.Millisecond {
		t.Errorf("Timeout() = %v, want 250ms", got)
	}
	if got := cfg.Audit.WriteTimeoutDuration(); got != 2*time.Second {
		t.Errorf("WriteTimeoutDuration() = %v, want 2s", got)
	}
	if got := cfg.Audit.FlushIntervalDuration(); got != 10*time.Millisecond {
		t.Errorf("FlushIntervalDuration() = %v, want 10ms", got)
	}
	if got := cfg.Audit.SendTimeoutDuration(); got != 100*time.Millisecond {
		t.Errorf("SendTimeoutDuration() with malformed value = %v, want fallback 100ms", got)
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "erpkernel.yml")
	_ = os.WriteFile(cfgPath, []byte("log:\n  level: debug\n"), 0644)

	if got := findConfigFileInPaths([]string{dir}); got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "erpkernel"), []byte("\x7fELF binary"), 0755)

	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "erpkernel.yaml")
	_ = os.WriteFile(yamlPath, []byte("log:\n  level: debug\n"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "erpkernel.yml"), []byte("log:\n  level: warn\n"), 0644)

	if got := findConfigFileInPaths([]string{dir}); got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}

// The loader tests share viper's global state and must not run in parallel.

func TestLoadConfig_FromFileWithEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "erpkernel.yaml")
	content := `
execution:
  default_timeout: 2s
audit:
  sink: file
  dir: ` + dir + `
  batch_size: 20
log:
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ERPKERNEL_LOG_LEVEL", "debug")
	t.Setenv("ERPKERNEL_AUDIT_ARCHIVE_AFTER_DAYS", "30")

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
	if cfg.Execution.Timeout() != 2*time.Second {
		t.Errorf("Execution.Timeout() = %v, want 2s", cfg.Execution.Timeout())
	}
	if cfg.Audit.Sink != "file" || cfg.Audit.Dir != dir || cfg.Audit.BatchSize != 20 {
		t.Errorf("Audit = %+v, want file sink in %s with batch 20", cfg.Audit, dir)
	}
	if cfg.Audit.ArchiveAfterDays != 30 {
		t.Errorf("Audit.ArchiveAfterDays = %d, want 30 from env", cfg.Audit.ArchiveAfterDays)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want env override %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	// Untouched keys keep their defaults.
	if cfg.Epochs.Backend != "memory" {
		t.Errorf("Epochs.Backend = %q, want default %q", cfg.Epochs.Backend, "memory")
	}
}

func TestLoadConfig_InvalidFileFailsValidation(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "erpkernel.yaml")
	if err := os.WriteFile(path, []byte("audit:\n  sink: s3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected validation error, got nil")
	}

	// The raw loader skips validation so flags can still fix the value.
	cfg, err := LoadConfigRaw()
	if err != nil {
		t.Fatalf("LoadConfigRaw() error: %v", err)
	}
	if cfg.Audit.Sink != "s3" {
		t.Errorf("Audit.Sink = %q, want %q", cfg.Audit.Sink, "s3")
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	InitViper(filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() with missing explicit file expected error, got nil")
	}
}
