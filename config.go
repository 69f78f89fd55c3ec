package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	FreshdeskDomain string `yaml:"freshdesk_domain"`
	FreshdeskAPIKey string `yaml:"freshdesk_api_key"`

	TicketSearchQuery string `yaml:"ticket_search_query"`
	MaxPages          int    `yaml:"max_pages"`

	MinCallIntervalMS int `yaml:"min_call_interval_ms"`
	MaxFetchAttempts  int `yaml:"max_fetch_attempts"`

	LLMProvider     string  `yaml:"llm_provider"`
	LLMModel        string  `yaml:"llm_model"`
	LLMConfidence   float64 `yaml:"llm_confidence_threshold"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`

	CacheDBPath string `yaml:"cache_db_path"`
	OutputPath  string `yaml:"output_path"`
	FlaggedPath string `yaml:"flagged_path"`
	FlushEvery  int    `yaml:"flush_every"`

	AutoIgnorePhrases []string `yaml:"auto_ignore_phrases"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
}

// defaultSearchQuery targets resolved/closed problem tickets. Freshdesk status
// 4 is Resolved and 5 is Closed.
const defaultSearchQuery = "type:'Problem' AND created_at:>'2025-05-20' AND (status:4 OR status:5)"

// defaultAutoIgnorePhrases are automated agent messages whose presence in the
// last turn means the ticket carries no clustering signal.
var defaultAutoIgnorePhrases = []string{
	"We wanted to check in since we haven't heard back from you",
	"This ticket is closed and merged",
}

// LoadConfig loads, defaults, and validates configuration. Any missing
// required value is fatal here, before any remote call is made.
func LoadConfig() Config {
	cfg := loadConfigUnchecked()
	validateConfig(cfg)
	return cfg
}

// loadConfigUnchecked loads yaml + env overrides + defaults without the
// required-field validation, for surfaces that only display configuration.
func loadConfigUnchecked() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.FreshdeskDomain, "FRESHDESK_DOMAIN")
	envOverride(&cfg.FreshdeskAPIKey, "FRESHDESK_API_KEY")
	envOverride(&cfg.TicketSearchQuery, "TICKET_SEARCH_QUERY")
	envOverrideInt(&cfg.MaxPages, "MAX_PAGES")
	envOverrideInt(&cfg.MinCallIntervalMS, "MIN_CALL_INTERVAL_MS")
	envOverrideInt(&cfg.MaxFetchAttempts, "MAX_FETCH_ATTEMPTS")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideFloat(&cfg.LLMConfidence, "LLM_CONFIDENCE_THRESHOLD")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.CacheDBPath, "CACHE_DB_PATH")
	envOverride(&cfg.OutputPath, "OUTPUT_PATH")
	envOverride(&cfg.FlaggedPath, "FLAGGED_PATH")
	envOverrideInt(&cfg.FlushEvery, "FLUSH_EVERY")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	// Defaults
	if cfg.TicketSearchQuery == "" {
		cfg.TicketSearchQuery = defaultSearchQuery
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 5
	}
	if cfg.MinCallIntervalMS == 0 {
		// Freshdesk allows 20 req/min -> 3s, plus a small cushion.
		cfg.MinCallIntervalMS = 3200
	}
	if cfg.MaxFetchAttempts == 0 {
		cfg.MaxFetchAttempts = 5
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMConfidence == 0 {
		cfg.LLMConfidence = 0.70
	}
	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = "./conversations.db"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "output/silo_issues_db.json"
	}
	if cfg.FlaggedPath == "" {
		cfg.FlaggedPath = "output/flagged_review.csv"
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5
	}
	if len(cfg.AutoIgnorePhrases) == 0 {
		cfg.AutoIgnorePhrases = defaultAutoIgnorePhrases
	}

	return cfg
}

func validateConfig(cfg Config) {
	// Validate required fields
	required := map[string]string{
		"freshdesk_domain":  cfg.FreshdeskDomain,
		"freshdesk_api_key": cfg.FreshdeskAPIKey,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if cfg.LLMConfidence < 0 || cfg.LLMConfidence > 1 {
		log.Fatalf("invalid llm_confidence_threshold '%f': must be between 0 and 1", cfg.LLMConfidence)
	}
	if cfg.MaxPages < 1 {
		log.Fatalf("invalid max_pages '%d': must be >= 1", cfg.MaxPages)
	}
	if cfg.MinCallIntervalMS < 0 {
		log.Fatalf("invalid min_call_interval_ms '%d': must be >= 0", cfg.MinCallIntervalMS)
	}
	if cfg.MaxFetchAttempts < 1 {
		log.Fatalf("invalid max_fetch_attempts '%d': must be >= 1", cfg.MaxFetchAttempts)
	}
	if cfg.FlushEvery < 1 {
		log.Fatalf("invalid flush_every '%d': must be >= 1", cfg.FlushEvery)
	}
}

// MinCallInterval returns the pacing interval for helpdesk API calls.
func (c Config) MinCallInterval() time.Duration {
	return time.Duration(c.MinCallIntervalMS) * time.Millisecond
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
