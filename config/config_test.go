package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"AGENT_EMAILS", "AGENT_NAME", "SOURCE_DIR", "OUTPUT_DIR",
		"PRESIDIO_ANALYZER_URL", "PRESIDIO_ANONYMIZER_URL", "OLLAMA_ENDPOINT", "OLLAMA_MODEL"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigFromFlags(t *testing.T) {
	clearEnv(t)
	cmd := newCommand(t,
		"--env-file", "",
		"--source-dir", "in",
		"--output-dir", "out",
		"--state-dir", "state/../state",
		"--agent-emails", "Agent@Brokerage.ca, agent@brokerage.ca,team@brokerage.ca",
		"--batch-size", "25",
		"--workers", "3",
		"--log-level", "WARNING",
	)

	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "in", cfg.SourceDir)
	assert.Equal(t, "out", cfg.OutputDir)
	assert.Equal(t, "state", cfg.StateDir)
	assert.Equal(t, []string{"agent@brokerage.ca", "team@brokerage.ca"}, cfg.Profile.Emails)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, BackendPresidio, cfg.Detector.Backend)
	assert.Equal(t, "http://localhost:5002", cfg.Detector.PresidioAnalyzerURL)
}

func TestLoadConfigEnvironmentFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOURCE_DIR", "/mail/in")
	t.Setenv("OUTPUT_DIR", "/mail/out")
	t.Setenv("AGENT_EMAILS", "a@x.ca,b@x.ca")
	t.Setenv("AGENT_NAME", "Dana Agent")
	t.Setenv("OLLAMA_MODEL", "llama3")

	cmd := newCommand(t, "--env-file", "", "--output-dir", "flag-out")
	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "/mail/in", cfg.SourceDir)
	assert.Equal(t, "flag-out", cfg.OutputDir, "explicit flag beats environment")
	assert.Equal(t, []string{"a@x.ca", "b@x.ca"}, cfg.Profile.Emails)
	assert.Equal(t, "Dana Agent", cfg.Profile.Name)
	assert.Equal(t, "llama3", cfg.Detector.OllamaModel)
}

func TestLoadConfigEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, "sanitizer.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SOURCE_DIR=from-file\nOUTPUT_DIR=out\nAGENT_EMAILS=agent@x.ca\n"), 0o600))
	// godotenv does not override variables that are already set
	require.NoError(t, os.Unsetenv("SOURCE_DIR"))
	require.NoError(t, os.Unsetenv("OUTPUT_DIR"))
	require.NoError(t, os.Unsetenv("AGENT_EMAILS"))

	cmd := newCommand(t, "--env-file", envPath)
	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.SourceDir)
	assert.Equal(t, []string{"agent@x.ca"}, cfg.Profile.Emails)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "nope.env")

	cmd := newCommand(t, "--env-file", missing, "--source-dir", "in", "--output-dir", "out", "--agent-emails", "a@x.ca")
	_, err := LoadConfig(cmd)
	assert.ErrorContains(t, err, "load env file")
}

func TestLoadConfigProfile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := "name: Pat Broker\nemails:\n  - Pat@Brokerage.ca\ncities:\n  - Kelowna\n  - Penticton\njob_titles:\n  - welder\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cmd := newCommand(t, "--env-file", "", "--source-dir", "in", "--output-dir", "out", "--profile", path)
	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "Pat Broker", cfg.Profile.Name)
	assert.Equal(t, []string{"pat@brokerage.ca"}, cfg.Profile.Emails)
	assert.Equal(t, []string{"Kelowna", "Penticton"}, cfg.Profile.Cities)
	assert.Equal(t, []string{"welder"}, cfg.Profile.JobTitles)
}

func TestLoadProfileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("emails: [unterminated"), 0o600))

	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "parse profile broken.yaml")
}

func TestLoadConfigRequiresAgentEmails(t *testing.T) {
	clearEnv(t)
	cmd := newCommand(t, "--env-file", "", "--source-dir", "in", "--output-dir", "out")
	_, err := LoadConfig(cmd)
	assert.ErrorIs(t, err, ErrNoAgentEmails)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			SourceDir: "in",
			OutputDir: "out",
			BatchSize: 50,
			Workers:   1,
			Profile:   AgentProfile{Emails: []string{"a@x.ca"}},
			Detector: DetectorConfig{
				Backend:               BackendPresidio,
				PresidioAnalyzerURL:   "http://a",
				PresidioAnonymizerURL: "http://b",
				Timeout:               1,
				Threshold:             0.5,
			},
			LogLevel: "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "dry run needs no output", mutate: func(c *Config) { c.OutputDir = ""; c.DryRun = true }},
		{name: "missing source", mutate: func(c *Config) { c.SourceDir = "" }, wantErr: "source-dir"},
		{name: "missing output", mutate: func(c *Config) { c.OutputDir = "" }, wantErr: "output-dir"},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: "batch-size"},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "workers"},
		{name: "unknown backend", mutate: func(c *Config) { c.Detector.Backend = "spacy" }, wantErr: "invalid --detector"},
		{name: "ollama without model", mutate: func(c *Config) {
			c.Detector.Backend = BackendOllama
			c.Detector.OllamaEndpoint = "http://o"
		}, wantErr: "ollama detector"},
		{name: "threshold out of range", mutate: func(c *Config) { c.Detector.Threshold = 1.5 }, wantErr: "threshold"},
		{name: "negative cache", mutate: func(c *Config) { c.Detector.CacheSize = -1 }, wantErr: "cache-size"},
		{name: "include and exclude", mutate: func(c *Config) {
			c.IncludeHeader = []string{"from:agent"}
			c.ExcludeBody = []string{"unsubscribe"}
		}, wantErr: "mutually exclusive"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNormalizeEmails(t *testing.T) {
	got := NormalizeEmails([]string{" B@x.ca ", "", "a@x.ca", "b@x.ca"})
	assert.Equal(t, []string{"b@x.ca", "a@x.ca"}, got)
}

func TestLoadReportConfig(t *testing.T) {
	clearEnv(t)
	cmd := newCommand(t, "--env-file", "", "--agent-emails", "a@x.ca")

	cfg, err := LoadReportConfig(cmd, filepath.Join("archive", "2023.mbox"))
	require.NoError(t, err)
	assert.Equal(t, "archive", cfg.SourceDir)
	assert.True(t, cfg.DryRun)
	assert.Empty(t, cfg.OutputDir)
}
