package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.CoordinatorModel != "gpt-4.1" || cfg.LLM.DefaultModel != "gpt-4.1-mini" {
		t.Errorf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" || cfg.Embedding.Dimensions != 1536 {
		t.Errorf("embedding defaults = %+v", cfg.Embedding)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "roundtable.db" {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if cfg.Knowledge.ChunkMaxChars != 1000 || cfg.Knowledge.ChunkOverlapChars != 200 {
		t.Errorf("knowledge defaults = %+v", cfg.Knowledge)
	}
	if cfg.Team.GraceDelay() != 5*time.Second {
		t.Errorf("grace delay = %v", cfg.Team.GraceDelay())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtable.toml")
	data := `
[server]
addr = ":9090"

[llm]
base_url = "http://localhost:11434/v1"
coordinator_model = "llama3.1:70b"

[database]
driver = "postgres"
postgres_url = "postgres://localhost/roundtable"

[team]
grace_delay_seconds = 2
file_team_cap = 3

[observer]
enabled = true

[observer.pricing."llama3.1:70b"]
input = 0.0
output = 0.0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.CoordinatorModel != "llama3.1:70b" {
		t.Errorf("coordinator model = %q", cfg.LLM.CoordinatorModel)
	}
	// Unset file keys keep their defaults.
	if cfg.LLM.DefaultModel != "gpt-4.1-mini" {
		t.Errorf("default model = %q", cfg.LLM.DefaultModel)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.PostgresURL != "postgres://localhost/roundtable" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Team.GraceDelay() != 2*time.Second || cfg.Team.FileTeamCap != 3 {
		t.Errorf("team = %+v", cfg.Team)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
	if _, ok := cfg.Observer.Pricing["llama3.1:70b"]; !ok {
		t.Errorf("pricing override missing: %+v", cfg.Observer.Pricing)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want default", cfg.Server.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUNDTABLE_ADDR", ":7070")
	t.Setenv("ROUNDTABLE_LLM_BASE_URL", "https://api.groq.com/openai/v1")
	t.Setenv("ROUNDTABLE_LLM_API_KEY", "sk-env")
	t.Setenv("ROUNDTABLE_DB_DRIVER", "postgres")
	t.Setenv("ROUNDTABLE_OBSERVER_ENABLED", "1")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))

	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.BaseURL != "https://api.groq.com/openai/v1" || cfg.LLM.APIKey != "sk-env" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtable.toml")
	if err := os.WriteFile(path, []byte("[server]\naddr = \":9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROUNDTABLE_ADDR", ":7070")

	cfg := Load(path)
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want env to win", cfg.Server.Addr)
	}
}

func TestEmbeddingFallsBackToLLMCredentials(t *testing.T) {
	t.Setenv("ROUNDTABLE_LLM_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("ROUNDTABLE_LLM_API_KEY", "sk-shared")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))

	if cfg.Embedding.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("embedding base url = %q", cfg.Embedding.BaseURL)
	}
	if cfg.Embedding.APIKey != "sk-shared" {
		t.Errorf("embedding api key = %q", cfg.Embedding.APIKey)
	}
}

func TestEmbeddingKeyOverride(t *testing.T) {
	t.Setenv("ROUNDTABLE_LLM_API_KEY", "sk-llm")
	t.Setenv("ROUNDTABLE_EMBEDDING_API_KEY", "sk-embed")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Embedding.APIKey != "sk-embed" {
		t.Errorf("embedding api key = %q", cfg.Embedding.APIKey)
	}
}
