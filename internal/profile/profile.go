package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol).
	// All providers (openai, deepseek, siliconflow, openrouter, ollama) use the same config.
	LLMProvider string // Provider identifier
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has a default per provider
	LLMModel    string // Default model; requests may override per chat
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Chat pipeline tuning
	HistoryTokenBudget int // Max prompt tokens assembled from chat history (default: 8000)
	StreamRetention    int // Seconds a finished stream stays replayable (default: 300)
	RateLimitPerMin    int // Per-user chat requests per minute (default: 30)

	Mode    string // dev, demo, prod
	Addr    string
	Port    int
	Data    string
	Driver  string // sqlite, postgres
	DSN     string
	Secret  string // HMAC secret for session tokens
	Version string
}

// Provider default configurations for LLM.
// Used when the base URL or model is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("STREAMCHAT_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("STREAMCHAT_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("STREAMCHAT_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("STREAMCHAT_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("STREAMCHAT_LLM_TIMEOUT_SECONDS", 120)

	p.HistoryTokenBudget = getEnvOrDefaultInt("STREAMCHAT_HISTORY_TOKEN_BUDGET", 8000)
	p.StreamRetention = getEnvOrDefaultInt("STREAMCHAT_STREAM_RETENTION_SECONDS", 300)
	p.RateLimitPerMin = getEnvOrDefaultInt("STREAMCHAT_RATE_LIMIT_PER_MINUTE", 30)

	if p.Secret == "" {
		p.Secret = getEnvOrDefault("STREAMCHAT_SECRET", "")
	}

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		// Unknown providers fall through to the generic OpenAI-compatible path.
		return
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies.
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}

	if p.Mode == "prod" && p.Secret == "" {
		return errors.New("a token secret is required in prod mode (set STREAMCHAT_SECRET)")
	}
	if p.Secret == "" {
		p.Secret = "streamchat-dev-secret"
	}

	if p.Driver == "sqlite" && p.DSN == "" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("streamchat_%s.db", p.Mode))
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn required for postgres driver")
	}

	return nil
}
