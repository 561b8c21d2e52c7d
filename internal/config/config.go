// Package config loads server configuration from roundtable.toml with
// environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Team      TeamConfig      `toml:"team"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	BaseURL          string `toml:"base_url"`
	APIKey           string `toml:"api_key"`
	CoordinatorModel string `toml:"coordinator_model"`
	DefaultModel     string `toml:"default_model"`
	ExtractorModel   string `toml:"extractor_model"`
}

type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

type DatabaseConfig struct {
	// Driver selects the backend: "sqlite" (default) or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type TeamConfig struct {
	// GraceDelaySeconds is how long team extraction waits after a confirmed
	// turn before reading the transcript.
	GraceDelaySeconds int `toml:"grace_delay_seconds"`
	FileTeamCap       int `toml:"file_team_cap"`
}

type KnowledgeConfig struct {
	ChunkMaxChars     int `toml:"chunk_max_chars"`
	ChunkOverlapChars int `toml:"chunk_overlap_chars"`
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
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			CoordinatorModel: "gpt-4.1",
			DefaultModel:     "gpt-4.1-mini",
			ExtractorModel:   "gpt-4.1-mini",
		},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "roundtable.db"},
		Team:      TeamConfig{GraceDelaySeconds: 5, FileTeamCap: 5},
		Knowledge: KnowledgeConfig{ChunkMaxChars: 1000, ChunkOverlapChars: 200},
	}
}

// GraceDelay returns the extraction grace delay as a duration.
func (t TeamConfig) GraceDelay() time.Duration {
	return time.Duration(t.GraceDelaySeconds) * time.Second
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "roundtable.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ROUNDTABLE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ROUNDTABLE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ROUNDTABLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ROUNDTABLE_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ROUNDTABLE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ROUNDTABLE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ROUNDTABLE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("ROUNDTABLE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.LLM.ExtractorModel == "" {
		cfg.LLM.ExtractorModel = cfg.LLM.DefaultModel
	}

	return cfg
}
