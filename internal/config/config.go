// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Analysis() AnalysisConfig
	Output() OutputConfig

	// Engine Setters
	SetEngineWorkerConcurrency(int)
	SetEngineMaxFindings(int)

	// Analysis Setters
	SetAnalysisNotInsideScope(string)

	// Output Setters
	SetOutputFormat(string)
	SetOutputPath(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	AnalysisCfg AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	OutputCfg   OutputConfig   `mapstructure:"output" yaml:"output"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Analysis() AnalysisConfig { return c.AnalysisCfg }
func (c *Config) Output() OutputConfig     { return c.OutputCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetEngineMaxFindings(n int)       { c.EngineCfg.MaxFindings = n }
func (c *Config) SetAnalysisNotInsideScope(s string) {
	c.AnalysisCfg.NotInsideScope = s
}
func (c *Config) SetOutputFormat(f string) { c.OutputCfg.Format = f }
func (c *Config) SetOutputPath(p string)   { c.OutputCfg.Path = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the findings store connection. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig controls how a batch is scheduled.
type EngineConfig struct {
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// MaxFindings caps a run; zero means unlimited.
	MaxFindings  int           `mapstructure:"max_findings" yaml:"max_findings"`
	FileTimeout  time.Duration `mapstructure:"file_timeout" yaml:"file_timeout"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
}

// AnalysisConfig tunes matching and dataflow.
type AnalysisConfig struct {
	MatchBudget    int    `mapstructure:"match_budget" yaml:"match_budget"`
	NotInsideScope string `mapstructure:"not_inside_scope" yaml:"not_inside_scope"`
	StrictParse    bool   `mapstructure:"strict_parse" yaml:"strict_parse"`
	TaintSummaries bool   `mapstructure:"taint_summaries" yaml:"taint_summaries"`
}

// OutputConfig selects the report writer.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a configuration populated with every default.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-sast")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.max_findings", 0)
	v.SetDefault("engine.file_timeout", "30s")
	v.SetDefault("engine.max_file_bytes", 2<<20)

	// -- Analysis --
	v.SetDefault("analysis.match_budget", 200000)
	v.SetDefault("analysis.not_inside_scope", "lexical")
	v.SetDefault("analysis.strict_parse", false)
	v.SetDefault("analysis.taint_summaries", true)

	// -- Output --
	v.SetDefault("output.format", "json")
	v.SetDefault("output.path", "")

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password, so it gets its own variable.
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for _, p := range []*string{&cfg.LoggerCfg.LogFile, &cfg.OutputCfg.Path} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("error expanding path %q: %w", *p, err)
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.MaxFindings < 0 {
		return fmt.Errorf("engine.max_findings must not be negative")
	}
	if c.EngineCfg.FileTimeout < 0 {
		return fmt.Errorf("engine.file_timeout must not be negative")
	}
	if c.EngineCfg.MaxFileBytes <= 0 {
		return fmt.Errorf("engine.max_file_bytes must be a positive integer")
	}
	if err := c.AnalysisCfg.Validate(); err != nil {
		return fmt.Errorf("analysis configuration invalid: %w", err)
	}
	if err := c.OutputCfg.Validate(); err != nil {
		return fmt.Errorf("output configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the analysis settings.
func (a *AnalysisConfig) Validate() error {
	if a.MatchBudget <= 0 {
		return fmt.Errorf("match_budget must be a positive integer")
	}
	switch strings.ToLower(a.NotInsideScope) {
	case "", "lexical", "file":
	default:
		return fmt.Errorf("not_inside_scope must be lexical or file, got %q", a.NotInsideScope)
	}
	return nil
}

// Validate checks the output settings.
func (o *OutputConfig) Validate() error {
	switch strings.ToLower(o.Format) {
	case "json", "sarif":
		return nil
	default:
		return fmt.Errorf("format must be json or sarif, got %q", o.Format)
	}
}
