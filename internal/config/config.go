package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	LLM           struct {
		BaseURL          string `json:"base_url"`
		APIKey           string `json:"api_key"`
		Model            string `json:"model"`
		VisionModel      string `json:"vision_model"`
		MaxTokens        int    `json:"max_tokens"`
		MaxContextTokens int    `json:"max_context_tokens"`
		OutputReserve    int    `json:"output_reserve"`
	} `json:"llm"`
	RateLimit struct {
		PerMinute int `json:"per_minute"`
		Burst     int `json:"burst"`
	} `json:"rate_limit"`
	HTTP struct {
		Addr      string `json:"addr"`
		AuthToken string `json:"auth_token"`
		Owner     string `json:"owner"`
	} `json:"http"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Janitor struct {
		RetrySchedule string `json:"retry_schedule"`
		PruneSchedule string `json:"prune_schedule"`
		IdleHours     int    `json:"idle_hours"`
	} `json:"janitor"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chatrelay"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.VisionModel = "gpt-4o"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.RateLimit.PerMinute = 30
	cfg.RateLimit.Burst = 10
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.Owner = "local"
	cfg.Janitor.RetrySchedule = "* * * * *"
	cfg.Janitor.PruneSchedule = "0 * * * *"
	cfg.Janitor.IdleHours = 24

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if authToken := os.Getenv("CHATRELAY_AUTH_TOKEN"); authToken != "" {
		cfg.HTTP.AuthToken = authToken
	}

	return cfg, nil
}

// Save writes the config atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
