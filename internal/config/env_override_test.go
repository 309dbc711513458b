package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("GROQ_API_KEY sets provider if empty", func(t *testing.T) {
		t.Setenv("GROQ_API_KEY", "gsk-test")
		// Ensure others are unset
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gsk-test", cfg.LLM.APIKey)
		assert.Equal(t, "groq", cfg.LLM.Provider)
	})

	t.Run("GROQ_API_KEY does not override existing provider", func(t *testing.T) {
		t.Setenv("GROQ_API_KEY", "gsk-test")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{
			LLM: LLMConfig{Provider: "custom"},
		}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gsk-test", cfg.LLM.APIKey)
		assert.Equal(t, "custom", cfg.LLM.Provider)
	})

	t.Run("OPENAI_API_KEY wins over GROQ_API_KEY", func(t *testing.T) {
		t.Setenv("GROQ_API_KEY", "gsk-test")
		t.Setenv("OPENAI_API_KEY", "sk-test")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "sk-test", cfg.LLM.APIKey)
		assert.Equal(t, "openai", cfg.LLM.Provider)
	})

	t.Run("GEMINI_API_KEY wins over everything", func(t *testing.T) {
		t.Setenv("GROQ_API_KEY", "gsk-test")
		t.Setenv("OPENAI_API_KEY", "sk-test")
		t.Setenv("GEMINI_API_KEY", "gm-test")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gm-test", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})
}

func TestEnvOverrides_Server(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("AUDITCHAT_DATASET_PATH", "/srv/evidence")
	t.Setenv("AUDITCHAT_DB", "/srv/data/datasets.db")
	t.Setenv("AUDITCHAT_ADDR", ":9000")
	t.Setenv("AUDITCHAT_MODEL", "llama-3.3-70b-versatile")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	require.Equal(t, "/srv/evidence", cfg.Dataset.Path)
	assert.Equal(t, "/srv/data/datasets.db", cfg.Dataset.DatabasePath)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.LLM.Model)
}
