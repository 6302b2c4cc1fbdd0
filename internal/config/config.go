package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Guardrail GuardrailConfig
	Topic     TopicConfig
	Learner   LearnerConfig
	Scheduler SchedulerConfig
	Tone      ToneConfig
	Notify    NotifyConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	ComposerModel  string
	AgentsModel    string
	TeachingModel  string
	EmbedModel     string
	RequestTimeout time.Duration
	MaxTokens      int
}

type GuardrailConfig struct {
	// LLMFallback disables the model-based relevance check when false;
	// pattern rules still apply.
	LLMFallback bool
}

type TopicConfig struct {
	MinConfidence float64
	// FutureDedupeWindow bounds how recent a pending FutureRequest must be
	// to suppress a new detection for the same pair.
	FutureDedupeWindow time.Duration
}

type LearnerConfig struct {
	SummaryTurnThreshold int
	MemoryTopK           int
}

type SchedulerConfig struct {
	RetryScanInterval     time.Duration
	ToneInterval          time.Duration
	QuestionInterval      time.Duration
	SummarizationInterval time.Duration
	MaxAttempts           int
	ToneBatchSize         int
	// QuestionRateWindow and QuestionRateLimit cap relationship questions
	// generated per owner per window.
	QuestionRateWindow time.Duration
	QuestionRateLimit  int
}

type ToneConfig struct {
	// StaleAfter marks a profile as due for recomputation by the tone job.
	StaleAfter time.Duration
	// MinObservations is the passive message count a pair needs before the
	// tone job considers it.
	MinObservations int
}

type NotifyConfig struct {
	HeartbeatInterval time.Duration
	ChannelBuffer     int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			ComposerModel:  "gpt-4o",
			AgentsModel:    "gpt-4o-mini",
			TeachingModel:  "gpt-4o",
			EmbedModel:     "text-embedding-3-small",
			RequestTimeout: 30 * time.Second,
			MaxTokens:      1024,
		},
		Guardrail: GuardrailConfig{
			LLMFallback: true,
		},
		Topic: TopicConfig{
			MinConfidence:      0.6,
			FutureDedupeWindow: 24 * time.Hour,
		},
		Learner: LearnerConfig{
			SummaryTurnThreshold: 10,
			MemoryTopK:           5,
		},
		Scheduler: SchedulerConfig{
			RetryScanInterval:     5 * time.Minute,
			ToneInterval:          time.Hour,
			QuestionInterval:      30 * time.Minute,
			SummarizationInterval: 15 * time.Minute,
			MaxAttempts:           3,
			ToneBatchSize:         10,
			QuestionRateWindow:    24 * time.Hour,
			QuestionRateLimit:     3,
		},
		Tone: ToneConfig{
			StaleAfter:      24 * time.Hour,
			MinObservations: 6,
		},
		Notify: NotifyConfig{
			HeartbeatInterval: 30 * time.Second,
			ChannelBuffer:     16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "twind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".twind"
	}
	return filepath.Join(home, ".local", "share", "twind")
}

func configFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "twind", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "twind", "config.json")
}

// Load reads configuration from the JSON config file (if present) and applies
// TWIND_* environment variable overrides on top of built-in defaults.
func Load() (Config, error) {
	return loadFrom(configFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key; set TWIND_LLM_API_KEY")
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("scheduler max attempts must be at least 1, got %d", cfg.Scheduler.MaxAttempts)
	}

	return cfg, nil
}

// fileConfig mirrors the JSON layout of the on-disk config file. All fields
// are optional; zero values defer to defaults.
type fileConfig struct {
	Port                 int     `json:"port"`
	DataDir              string  `json:"data_dir"`
	LLMBaseURL           string  `json:"llm_base_url"`
	ComposerModel        string  `json:"composer_model"`
	AgentsModel          string  `json:"agents_model"`
	TeachingModel        string  `json:"teaching_model"`
	EmbedModel           string  `json:"embed_model"`
	TopicMinConfidence   float64 `json:"topic_min_confidence"`
	SummaryTurnThreshold int     `json:"summary_turn_threshold"`
	MaxAttempts          int     `json:"retry_max_attempts"`
	ToneStaleAfter       string  `json:"tone_stale_after"`
	LogLevel             string  `json:"log_level"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		cfg.Server.Port = fc.Port
	}
	if fc.DataDir != "" {
		cfg.Storage.DataDir = fc.DataDir
	}
	if fc.LLMBaseURL != "" {
		cfg.LLM.BaseURL = fc.LLMBaseURL
	}
	if fc.ComposerModel != "" {
		cfg.LLM.ComposerModel = fc.ComposerModel
	}
	if fc.AgentsModel != "" {
		cfg.LLM.AgentsModel = fc.AgentsModel
	}
	if fc.TeachingModel != "" {
		cfg.LLM.TeachingModel = fc.TeachingModel
	}
	if fc.EmbedModel != "" {
		cfg.LLM.EmbedModel = fc.EmbedModel
	}
	if fc.TopicMinConfidence != 0 {
		cfg.Topic.MinConfidence = fc.TopicMinConfidence
	}
	if fc.SummaryTurnThreshold != 0 {
		cfg.Learner.SummaryTurnThreshold = fc.SummaryTurnThreshold
	}
	if fc.MaxAttempts != 0 {
		cfg.Scheduler.MaxAttempts = fc.MaxAttempts
	}
	if fc.ToneStaleAfter != "" {
		d, err := time.ParseDuration(fc.ToneStaleAfter)
		if err != nil {
			return fmt.Errorf("parsing tone_stale_after: %w", err)
		}
		cfg.Tone.StaleAfter = d
	}
	if fc.LogLevel != "" {
		cfg.Log.Level = fc.LogLevel
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWIND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TWIND_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TWIND_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("TWIND_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("TWIND_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TWIND_COMPOSER_MODEL"); v != "" {
		cfg.LLM.ComposerModel = v
	}
	if v := os.Getenv("TWIND_AGENTS_MODEL"); v != "" {
		cfg.LLM.AgentsModel = v
	}
	if v := os.Getenv("TWIND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
