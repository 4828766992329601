package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// DefaultModel is the pricing fallback for models missing from the price table.
const DefaultModel = "gpt-4o-mini"

type Config struct {
	Output       Output   `yaml:"output" json:"output" jsonschema:"description=Run directory and digest output"`
	Feeds        []Feed   `yaml:"feeds" json:"feeds" jsonschema:"description=RSS/Atom feeds to collect from"`
	StrategyFile string   `yaml:"strategy_file" json:"strategy_file" jsonschema:"default=strategy.md,description=Tone/audience/rules text fed to scoring and generation"`
	Fetch        Fetch    `yaml:"fetch" json:"fetch" jsonschema:"description=Feed retrieval settings"`
	LLM          LLM      `yaml:"llm" json:"llm" jsonschema:"description=Text-generation service"`
	Budget       Budget   `yaml:"budget" json:"budget" jsonschema:"description=Daily spend ceiling and price table"`
	Review       Review   `yaml:"review" json:"review" jsonschema:"description=Review email defaults"`
	Generate     Generate `yaml:"generate" json:"generate" jsonschema:"description=Post generation defaults"`
	SMTP         SMTP     `yaml:"smtp" json:"smtp" jsonschema:"description=Outgoing mail transport"`
	IMAP         IMAP     `yaml:"imap" json:"imap" jsonschema:"description=Mailbox polled for review replies"`

	baseDir string
}

type Output struct {
	Dir            string `yaml:"dir" json:"dir" jsonschema:"default=output,description=Root of per-day run directories"`
	MarkdownPrefix string `yaml:"markdown_prefix" json:"markdown_prefix" jsonschema:"default=content_pipeline_,description=Digest file name prefix"`
	SeenCacheFile  string `yaml:"seen_cache_file" json:"seen_cache_file" jsonschema:"description=Seen-links cache (default <dir>/cache/seen_links.json)"`
}

type Feed struct {
	URL  string `yaml:"url" json:"url" jsonschema:"required"`
	Name string `yaml:"name" json:"name"`
}

type Fetch struct {
	Timeout   time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=20s"`
	UserAgent string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=content-pipeline/1.0"`
	FullText  bool          `yaml:"full_text" json:"full_text" jsonschema:"default=false,description=Extract article text when a feed item has no summary"`
}

type LLM struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint" jsonschema:"description=OpenAI-compatible API base URL (empty for api.openai.com)"`
	APIKeyEnv       string        `yaml:"api_key_env" json:"api_key_env" jsonschema:"default=OPENAI_API_KEY"`
	ScoringModel    string        `yaml:"scoring_model" json:"scoring_model" jsonschema:"default=gpt-4o-mini"`
	GenerationModel string        `yaml:"generation_model" json:"generation_model" jsonschema:"default=gpt-4o-mini"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=120s"`
}

type Price struct {
	In  float64 `yaml:"in" json:"in" jsonschema:"description=USD per 1K prompt tokens"`
	Out float64 `yaml:"out" json:"out" jsonschema:"description=USD per 1K completion tokens"`
}

type Budget struct {
	MaxDailyUSD float64          `yaml:"max_daily_usd" json:"max_daily_usd" jsonschema:"default=0.5"`
	Prices      map[string]Price `yaml:"prices" json:"prices"`
}

type Review struct {
	MinTotal int `yaml:"min_total" json:"min_total" jsonschema:"default=10"`
	MaxItems int `yaml:"max_items" json:"max_items" jsonschema:"default=0,description=0 means no cap"`
}

type Generate struct {
	TopN        int    `yaml:"top_n" json:"top_n" jsonschema:"default=3"`
	DigestTitle string `yaml:"digest_title" json:"digest_title" jsonschema:"default=Content Pipeline Digest"`
}

type SMTP struct {
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port" jsonschema:"default=587"`
	Username    string   `yaml:"username" json:"username"`
	PasswordEnv string   `yaml:"password_env" json:"password_env" jsonschema:"default=SMTP_PASSWORD"`
	TLS         bool     `yaml:"tls" json:"tls" jsonschema:"default=true,description=STARTTLS"`
	SSL         bool     `yaml:"ssl" json:"ssl" jsonschema:"default=false,description=implicit TLS"`
	From        string   `yaml:"from" json:"from"`
	To          []string `yaml:"to" json:"to"`
}

type IMAP struct {
	Host        string        `yaml:"host" json:"host"`
	Port        int           `yaml:"port" json:"port" jsonschema:"default=993"`
	Username    string        `yaml:"username" json:"username"`
	PasswordEnv string        `yaml:"password_env" json:"password_env" jsonschema:"default=IMAP_PASSWORD"`
	Folder      string        `yaml:"folder" json:"folder" jsonschema:"default=INBOX"`
	AllowedFrom []string      `yaml:"allowed_from" json:"allowed_from" jsonschema:"description=Accepted reply senders (empty accepts any)"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s"`
}

// ConfigDir returns the XDG config directory for content-pipeline.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "content-pipeline")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > agents/<agent>/config.yaml > ~/.config/content-pipeline/config.yaml > ./config.yaml
func ResolveConfigPath(explicit, agent string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &Error{Field: "config", Msg: "file not found: " + explicit}
		}
		return explicit, nil
	}

	if agent != "" {
		agentConfig := filepath.Join("agents", agent, "config.yaml")
		if _, err := os.Stat(agentConfig); err != nil {
			return "", &Error{Field: "agent", Msg: "config not found: " + agentConfig}
		}
		return agentConfig, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", &Error{
		Field: "config",
		Msg:   fmt.Sprintf("no config file found; searched %s and ./config.yaml (run 'content-pipeline init')", xdgConfig),
	}
}

// Load reads and parses a config YAML file. Relative paths inside the file
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		cfg.baseDir = abs
	}
	return cfg, nil
}

// parse expands environment variables and parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Output:       Output{Dir: "output", MarkdownPrefix: "content_pipeline_"},
		StrategyFile: "strategy.md",
		Fetch:        Fetch{Timeout: 20 * time.Second, UserAgent: "content-pipeline/1.0"},
		LLM: LLM{
			APIKeyEnv:       "OPENAI_API_KEY",
			ScoringModel:    DefaultModel,
			GenerationModel: DefaultModel,
			Timeout:         120 * time.Second,
		},
		Budget:   Budget{MaxDailyUSD: 0.50},
		Review:   Review{MinTotal: 10},
		Generate: Generate{TopN: 3, DigestTitle: "Content Pipeline Digest"},
		SMTP:     SMTP{Port: 587, PasswordEnv: "SMTP_PASSWORD", TLS: true},
		IMAP:     IMAP{Port: 993, PasswordEnv: "IMAP_PASSWORD", Folder: "INBOX", Timeout: 30 * time.Second},
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Budget.Prices == nil {
		cfg.Budget.Prices = map[string]Price{}
	}
	for model, p := range defaultPrices {
		if _, ok := cfg.Budget.Prices[model]; !ok {
			cfg.Budget.Prices[model] = p
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var defaultPrices = map[string]Price{
	"gpt-4o-mini": {In: 0.00015, Out: 0.0006},
	"gpt-4o":      {In: 0.005, Out: 0.015},
}

func validate(cfg *Config) error {
	if cfg.Budget.MaxDailyUSD < 0 {
		return &Error{Field: "budget.max_daily_usd", Msg: "must be non-negative"}
	}
	if cfg.Generate.TopN < 1 {
		return &Error{Field: "generate.top_n", Msg: "must be at least 1"}
	}
	if cfg.Review.MaxItems < 0 {
		return &Error{Field: "review.max_items", Msg: "must be non-negative"}
	}
	for i, f := range cfg.Feeds {
		if f.URL == "" {
			return &Error{Field: fmt.Sprintf("feeds[%d].url", i), Msg: "is required"}
		}
	}
	return nil
}

// ApplyAgent sets the per-agent digest prefix unless the config already chose one.
func (c *Config) ApplyAgent(agent string) {
	if agent != "" && c.Output.MarkdownPrefix == "content_pipeline_" {
		c.Output.MarkdownPrefix = agent + "_"
	}
}

// OutputDir returns the effective root of the run directories.
func (c *Config) OutputDir() string {
	return c.resolve(c.Output.Dir)
}

// SeenCachePath returns the seen-links cache location.
func (c *Config) SeenCachePath() string {
	if c.Output.SeenCacheFile != "" {
		return c.resolve(c.Output.SeenCacheFile)
	}
	return filepath.Join(c.OutputDir(), "cache", "seen_links.json")
}

// Strategy reads the strategy file verbatim, headings and lists included.
func (c *Config) Strategy() (string, error) {
	path := c.resolve(c.StrategyFile)
	data, err := os.ReadFile(path) //nolint:gosec // configured path
	if err != nil {
		return "", &Error{Field: "strategy_file", Msg: "not readable: " + path}
	}
	return string(data), nil
}

// APIKey returns the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// SMTPPassword returns the SMTP password from the configured environment variable.
func (c *Config) SMTPPassword() string {
	return os.Getenv(c.SMTP.PasswordEnv)
}

// IMAPPassword returns the IMAP password from the configured environment variable.
func (c *Config) IMAPPassword() string {
	return os.Getenv(c.IMAP.PasswordEnv)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
