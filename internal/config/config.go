// Package config loads the runtime configuration for the conductor binary:
// defaults, layered under config.toml, with env-var indirection for secrets.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration. Secret-bearing string fields
// accept "env:NAME" values, resolved against the environment at load time,
// so config.toml never has to hold credentials directly.
type Config struct {
	Instance  InstanceConfig  `toml:"instance"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Discord   DiscordConfig   `toml:"discord"`
	Slack     SlackConfig     `toml:"slack"`
	Twitch    TwitchConfig    `toml:"twitch"`
	Email     EmailConfig     `toml:"email"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Cortex    CortexConfig    `toml:"cortex"`
	Ingest    IngestConfig    `toml:"ingest"`
	Observer  ObserverConfig  `toml:"observer"`
}

// InstanceConfig names the directory all persistent state lives under:
// SQLite databases, OAuth token files, and the ingest workspace.
type InstanceConfig struct {
	Dir string `toml:"dir"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	// BranchModel answers background branch work (cortex bulletin,
	// ingestion distillation); falls back to Model when empty.
	BranchModel string `toml:"branch_model"`
	APIKey      string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type TelegramConfig struct {
	Enabled        bool     `toml:"enabled"`
	Token          string   `toml:"token"`
	AllowedUserIDs []string `toml:"allowed_user_ids"`
	TriggerPrefix  string   `toml:"trigger_prefix"`
}

type DiscordConfig struct {
	Enabled         bool     `toml:"enabled"`
	Token           string   `toml:"token"`
	AllowedUserIDs  []string `toml:"allowed_user_ids"`
	AllowedChannels []string `toml:"allowed_channels"`
	TriggerPrefix   string   `toml:"trigger_prefix"`
}

type SlackConfig struct {
	Enabled         bool     `toml:"enabled"`
	BotToken        string   `toml:"bot_token"`
	AppToken        string   `toml:"app_token"`
	AllowedUserIDs  []string `toml:"allowed_user_ids"`
	AllowedChannels []string `toml:"allowed_channels"`
	TriggerPrefix   string   `toml:"trigger_prefix"`
}

type TwitchConfig struct {
	Enabled       bool     `toml:"enabled"`
	Username      string   `toml:"username"`
	Channels      []string `toml:"channels"`
	ClientID      string   `toml:"client_id"`
	ClientSecret  string   `toml:"client_secret"`
	AllowedUsers  []string `toml:"allowed_users"`
	TriggerPrefix string   `toml:"trigger_prefix"`
}

type EmailConfig struct {
	Enabled          bool     `toml:"enabled"`
	Address          string   `toml:"address"`
	AccountKey       string   `toml:"account_key"`
	IMAPAddr         string   `toml:"imap_addr"`
	SMTPHost         string   `toml:"smtp_host"`
	SMTPPort         int      `toml:"smtp_port"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"`
	PollIntervalSecs int      `toml:"poll_interval_secs"`
	AllowedSenders   []string `toml:"allowed_senders"`
}

type WebhookConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Token      string `toml:"token"`
}

type SchedulerConfig struct {
	// TimeZone is the IANA zone active-hours windows are evaluated in;
	// empty means server-local.
	TimeZone string `toml:"timezone"`
}

type CortexConfig struct {
	BulletinIntervalSecs int `toml:"bulletin_interval_secs"`
}

type IngestConfig struct {
	Enabled      bool `toml:"enabled"`
	ChunkSize    int  `toml:"chunk_size"`
	IntervalSecs int  `toml:"interval_secs"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Instance:  InstanceConfig{Dir: filepath.Join(home, ".conductor")},
		LLM:       LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 1536},
		Email:     EmailConfig{SMTPPort: 587, PollIntervalSecs: 60},
		Webhook:   WebhookConfig{ListenAddr: ":8090"},
		Cortex:    CortexConfig{BulletinIntervalSecs: 1800},
		Ingest:    IngestConfig{ChunkSize: 8192, IntervalSecs: 30},
	}
}

// Load reads config: defaults -> TOML file -> env indirection. A missing
// file is not an error (defaults apply); a malformed file is, since running
// with silently-wrong config is worse than refusing to start.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "config.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.resolveEnv()
	if cfg.LLM.BranchModel == "" {
		cfg.LLM.BranchModel = cfg.LLM.Model
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	return cfg, nil
}

// resolveEnv applies "env:NAME" indirection to every secret-bearing field.
func (c *Config) resolveEnv() {
	for _, field := range []*string{
		&c.LLM.APIKey,
		&c.Embedding.APIKey,
		&c.Telegram.Token,
		&c.Discord.Token,
		&c.Slack.BotToken,
		&c.Slack.AppToken,
		&c.Twitch.ClientID,
		&c.Twitch.ClientSecret,
		&c.Email.Password,
		&c.Webhook.Token,
	} {
		*field = resolveEnvValue(*field)
	}
}

// resolveEnvValue expands an "env:NAME" value against the environment. Any
// other value passes through unchanged; an unset variable resolves to "".
func resolveEnvValue(v string) string {
	name, ok := strings.CutPrefix(v, "env:")
	if !ok {
		return v
	}
	return os.Getenv(name)
}
