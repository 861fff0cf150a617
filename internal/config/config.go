package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultBufSize = 100

	DefaultSecurityTTL       = 3600 // seconds
	DefaultClassificationTTL = 1800
	DefaultInfoValueTTL      = 600

	DefaultParticipationWindow = "10m"
	DefaultGroupThreshold      = 0.30
	DefaultDMThreshold         = 0.50

	DefaultMemoryCapacity = 50
	DefaultRetrievalLimit = 3
	DefaultContextSize    = 20
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Decision  DecisionConfig  `json:"decision"`
	Memory    MemoryConfig    `json:"memory"`
	Responder ResponderConfig `json:"responder"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	BufSize     int    `json:"bufSize,omitempty"`
	ContextSize int    `json:"contextSize,omitempty"`
	SweepSpec   string `json:"sweepSpec,omitempty"` // cron expression with seconds
}

type DecisionConfig struct {
	Security      SecurityConfig      `json:"security"`
	Cache         CacheConfig         `json:"cache"`
	Participation ParticipationConfig `json:"participation"`
	Override      OverrideConfig      `json:"override"`
}

type SecurityConfig struct {
	AllowOnAmbiguous bool `json:"allowOnAmbiguous"`
}

type CacheConfig struct {
	SecurityTTL       int `json:"securityTtl,omitempty"`       // seconds
	ClassificationTTL int `json:"classificationTtl,omitempty"` // seconds
	InfoValueTTL      int `json:"infoValueTtl,omitempty"`      // seconds

	// Scoped kinds key their cache entries by conversation context as well
	// as content. A security screen on identical text is the same question
	// in any conversation, so it defaults to unscoped.
	SecurityScoped       bool `json:"securityScoped"`
	ClassificationScoped bool `json:"classificationScoped"`
	InfoValueScoped      bool `json:"infoValueScoped"`
}

type ParticipationConfig struct {
	Enabled        bool    `json:"enabled"`
	Window         string  `json:"window,omitempty"`
	GroupThreshold float64 `json:"groupThreshold,omitempty"`
	DMThreshold    float64 `json:"dmThreshold,omitempty"`
}

type OverrideConfig struct {
	OnDirectMention bool `json:"onDirectMention"`
	OnHighValueInfo bool `json:"onHighValueInfo"`
}

type MemoryConfig struct {
	DBPath         string `json:"dbPath,omitempty"`
	Capacity       int    `json:"capacity,omitempty"`
	RetrievalLimit int    `json:"retrievalLimit,omitempty"`
	SynonymsPath   string `json:"synonymsPath,omitempty"`
}

type ResponderConfig struct {
	Model     string  `json:"model,omitempty"`
	MaxTokens int     `json:"maxTokens,omitempty"`
	Temp      float64 `json:"temperature,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{Model: DefaultModel},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			BufSize:     DefaultBufSize,
			ContextSize: DefaultContextSize,
			SweepSpec:   "0 0 3 * * *",
		},
		Decision: DecisionConfig{
			Cache: CacheConfig{
				SecurityTTL:          DefaultSecurityTTL,
				ClassificationTTL:    DefaultClassificationTTL,
				InfoValueTTL:         DefaultInfoValueTTL,
				ClassificationScoped: true,
				InfoValueScoped:      true,
			},
			Participation: ParticipationConfig{
				Enabled:        true,
				Window:         DefaultParticipationWindow,
				GroupThreshold: DefaultGroupThreshold,
				DMThreshold:    DefaultDMThreshold,
			},
			Override: OverrideConfig{
				OnDirectMention: true,
				OnHighValueInfo: true,
			},
		},
		Memory: MemoryConfig{
			Capacity:       DefaultMemoryCapacity,
			RetrievalLimit: DefaultRetrievalLimit,
		},
		Responder: ResponderConfig{
			MaxTokens: 1024,
			Temp:      0.7,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chaperone")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads cfg from path, falling back to defaults when the file
// is absent, then applies environment variable overrides.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CHAPERONE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CHAPERONE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHAPERONE_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("CHAPERONE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("CHAPERONE_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if enabled := os.Getenv("CHAPERONE_PARTICIPATION_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Decision.Participation.Enabled = parsed
		}
	}
	if window := os.Getenv("CHAPERONE_PARTICIPATION_WINDOW"); window != "" {
		cfg.Decision.Participation.Window = window
	}
	if capacity := os.Getenv("CHAPERONE_MEMORY_CAPACITY"); capacity != "" {
		if parsed, err := strconv.Atoi(capacity); err == nil && parsed > 0 {
			cfg.Memory.Capacity = parsed
		}
	}

	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Gateway.BufSize <= 0 {
		cfg.Gateway.BufSize = DefaultBufSize
	}
	if cfg.Gateway.ContextSize <= 0 {
		cfg.Gateway.ContextSize = DefaultContextSize
	}
	if cfg.Memory.Capacity <= 0 {
		cfg.Memory.Capacity = DefaultMemoryCapacity
	}
	if cfg.Memory.RetrievalLimit <= 0 {
		cfg.Memory.RetrievalLimit = DefaultRetrievalLimit
	}
	if cfg.Decision.Participation.Window == "" {
		cfg.Decision.Participation.Window = DefaultParticipationWindow
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
