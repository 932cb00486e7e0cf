package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var ErrNoAgentEmails = errors.New("agent emails are required: set --agent-emails, AGENT_EMAILS or the profile emails list")

const (
	BackendPresidio = "presidio"
	BackendOllama   = "ollama"
)

// AgentProfile identifies the brokerage whose mail is being sanitized.
type AgentProfile struct {
	Name      string   `yaml:"name"`
	Emails    []string `yaml:"emails"`
	Cities    []string `yaml:"cities"`
	JobTitles []string `yaml:"job_titles"`
}

type DetectorConfig struct {
	Backend               string
	PresidioAnalyzerURL   string
	PresidioAnonymizerURL string
	Language              string
	OllamaEndpoint        string
	OllamaModel           string
	Timeout               time.Duration
	Threshold             float64
	CacheSize             int
	RateLimit             float64
}

// Config captures all command-line options required to run the sanitizer.
type Config struct {
	SourceDir     string
	OutputDir     string
	StateDir      string
	BatchSize     int
	Workers       int
	Force         bool
	DryRun        bool
	Profile       AgentProfile
	Detector      DetectorConfig
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
	MetricsFile   string
	Progress      bool
	LogLevel      string
	LogDir        string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("env-file", ".env", "Optional dotenv file loaded before reading environment fallbacks")
	flags.String("source-dir", "", "Directory holding .mbox and .eml files (falls back to SOURCE_DIR)")
	flags.String("output-dir", "", "Directory for sanitized batch files (falls back to OUTPUT_DIR)")
	flags.String("state-dir", defaultStateDir, "Directory for the converted-source ledger")
	flags.Int("batch-size", 50, "Messages per mbox batch file")
	flags.Int("workers", 1, "Source files converted in parallel")
	flags.Bool("force", false, "Convert sources again even if the ledger lists them")
	flags.Bool("dry-run", false, "Convert and report without writing batch files or ledger entries")
	flags.String("profile", "", "YAML agent profile (name, emails, cities, job_titles)")
	flags.String("agent-name", "", "Agent display name (falls back to AGENT_NAME)")
	flags.StringSlice("agent-emails", nil, "Comma separated agent addresses (falls back to AGENT_EMAILS)")
	flags.String("detector", BackendPresidio, "Entity detector backend: presidio or ollama")
	flags.String("presidio-analyzer-url", "http://localhost:5002", "Presidio analyzer base URL (falls back to PRESIDIO_ANALYZER_URL)")
	flags.String("presidio-anonymizer-url", "http://localhost:5001", "Presidio anonymizer base URL (falls back to PRESIDIO_ANONYMIZER_URL)")
	flags.String("language", "en", "Language passed to the entity detector")
	flags.String("ollama-endpoint", "http://localhost:11434", "Ollama base URL (falls back to OLLAMA_ENDPOINT)")
	flags.String("ollama-model", "qwen2.5:3b", "Ollama model used for entity detection (falls back to OLLAMA_MODEL)")
	flags.Duration("detector-timeout", 10*time.Second, "Timeout for one entity detector call")
	flags.Float64("detector-threshold", 0.5, "Minimum detector confidence for a span to be replaced")
	flags.Int("detector-cache-size", 4096, "Cached detector results; 0 disables the cache")
	flags.Float64("detector-rate-limit", 0, "Maximum detector requests per second; 0 means unlimited")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.String("metrics-file", "", "Write Prometheus textfile metrics to this path after the run")
	flags.Bool("progress", true, "Show a progress bar at log level info")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadReportConfig is LoadConfig for the in-memory report over one source
// file: the source directory comes from path and nothing is written.
func LoadReportConfig(cmd *cobra.Command, path string) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}
	cfg.SourceDir = filepath.Dir(path)
	cfg.DryRun = true
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	var errs []error
	getString := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return v
	}
	getInt := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	getBool := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	getFloat := func(name string) float64 {
		v, err := flags.GetFloat64(name)
		errs = append(errs, err)
		return v
	}
	getArray := func(name string) []string {
		v, err := flags.GetStringArray(name)
		errs = append(errs, err)
		return v
	}
	// explicit flags win over the environment, the environment over defaults
	withEnv := func(name, env string) string {
		v := getString(name)
		if !flags.Changed(name) {
			if e := strings.TrimSpace(os.Getenv(env)); e != "" {
				return e
			}
		}
		return v
	}

	if err := loadEnvFile(getString("env-file"), flags.Changed("env-file")); err != nil {
		return Config{}, err
	}

	timeout, err := flags.GetDuration("detector-timeout")
	errs = append(errs, err)
	agentEmails, err := flags.GetStringSlice("agent-emails")
	errs = append(errs, err)

	cfg := Config{
		SourceDir: withEnv("source-dir", "SOURCE_DIR"),
		OutputDir: withEnv("output-dir", "OUTPUT_DIR"),
		StateDir:  getString("state-dir"),
		BatchSize: getInt("batch-size"),
		Workers:   getInt("workers"),
		Force:     getBool("force"),
		DryRun:    getBool("dry-run"),
		Detector: DetectorConfig{
			Backend:               strings.ToLower(strings.TrimSpace(getString("detector"))),
			PresidioAnalyzerURL:   withEnv("presidio-analyzer-url", "PRESIDIO_ANALYZER_URL"),
			PresidioAnonymizerURL: withEnv("presidio-anonymizer-url", "PRESIDIO_ANONYMIZER_URL"),
			Language:              getString("language"),
			OllamaEndpoint:        withEnv("ollama-endpoint", "OLLAMA_ENDPOINT"),
			OllamaModel:           withEnv("ollama-model", "OLLAMA_MODEL"),
			Timeout:               timeout,
			Threshold:             getFloat("detector-threshold"),
			CacheSize:             getInt("detector-cache-size"),
			RateLimit:             getFloat("detector-rate-limit"),
		},
		IncludeHeader: getArray("include-header"),
		IncludeBody:   getArray("include-body"),
		ExcludeHeader: getArray("exclude-header"),
		ExcludeBody:   getArray("exclude-body"),
		MetricsFile:   getString("metrics-file"),
		Progress:      getBool("progress"),
		LogLevel:      strings.ToLower(getString("log-level")),
		LogDir:        getString("log-dir"),
	}
	profilePath := getString("profile")
	agentName := withEnv("agent-name", "AGENT_NAME")
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if profilePath != "" {
		profile, err := LoadProfile(profilePath)
		if err != nil {
			return Config{}, err
		}
		cfg.Profile = profile
	}
	if agentName != "" {
		cfg.Profile.Name = agentName
	}
	if !flags.Changed("agent-emails") {
		if env := os.Getenv("AGENT_EMAILS"); env != "" {
			agentEmails = strings.Split(env, ",")
		}
	}
	cfg.Profile.Emails = NormalizeEmails(append(agentEmails, cfg.Profile.Emails...))

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	return cfg, nil
}

// LoadProfile reads an AgentProfile from a YAML file.
func LoadProfile(path string) (AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentProfile{}, fmt.Errorf("read profile: %w", err)
	}
	var profile AgentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("parse profile %s: %w", filepath.Base(path), err)
	}
	return profile, nil
}

// NormalizeEmails trims and lower-cases addresses and drops blanks and
// duplicates, keeping first-seen order.
func NormalizeEmails(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func loadEnvFile(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.SourceDir == "" {
		return fmt.Errorf("--source-dir or SOURCE_DIR is required")
	}
	if cfg.OutputDir == "" && !cfg.DryRun {
		return fmt.Errorf("--output-dir or OUTPUT_DIR is required")
	}
	if len(cfg.Profile.Emails) == 0 {
		return ErrNoAgentEmails
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}

	switch cfg.Detector.Backend {
	case BackendPresidio:
		if cfg.Detector.PresidioAnalyzerURL == "" || cfg.Detector.PresidioAnonymizerURL == "" {
			return fmt.Errorf("presidio detector needs analyzer and anonymizer URLs")
		}
	case BackendOllama:
		if cfg.Detector.OllamaEndpoint == "" || cfg.Detector.OllamaModel == "" {
			return fmt.Errorf("ollama detector needs an endpoint and a model")
		}
	default:
		return fmt.Errorf("invalid --detector: %s", cfg.Detector.Backend)
	}
	if cfg.Detector.Timeout <= 0 {
		return fmt.Errorf("--detector-timeout must be positive")
	}
	if cfg.Detector.Threshold < 0 || cfg.Detector.Threshold > 1 {
		return fmt.Errorf("--detector-threshold must be between 0 and 1")
	}
	if cfg.Detector.CacheSize < 0 {
		return fmt.Errorf("--detector-cache-size must not be negative")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-sanitizer", "state"), nil
}
