// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AIConfig holds provider credentials and model selection.
type AIConfig struct {
	APIKey          string
	BaseURL         string
	EmbeddingModel  string
	CompletionModel string
	Dimensions      int
	// MonthlyBudgetUSD caps projected provider spend; 0 disables the check.
	MonthlyBudgetUSD float64
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config holds all configuration for the pulse service.
type Config struct {
	DatabaseURL string
	RedisURL    string

	AI   AIConfig
	SMTP SMTPConfig

	// Pipeline tuning.
	SimilarityThreshold float64
	TopK                int
	ScanSinceDays       int

	// Schedules. ScanSpec is a cron expression; the delivery workers run
	// on plain tickers.
	ScanSpec         string
	DispatchInterval time.Duration
	MailInterval     time.Duration
	PurgeSpec        string

	// Delivery.
	AdminEmail        string
	UnsubscribeSecret string

	// IngestToken authenticates source fetchers posting change batches.
	// Empty disables the check (private-network deployments).
	IngestToken string

	// Server (health check only).
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	AI struct {
		APIKey          string  `yaml:"api_key"`
		BaseURL         string  `yaml:"base_url"`
		EmbeddingModel  string  `yaml:"embedding_model"`
		CompletionModel string  `yaml:"completion_model"`
		Dimensions      int     `yaml:"dimensions"`
		MonthlyBudget   float64 `yaml:"monthly_budget_usd"`
	} `yaml:"ai"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	Pipeline struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		TopK                int     `yaml:"top_k"`
		ScanSinceDays       int     `yaml:"scan_since_days"`
	} `yaml:"pipeline"`
	Schedule struct {
		Scan  string `yaml:"scan"`
		Purge string `yaml:"purge"`
	} `yaml:"schedule"`
	Delivery struct {
		AdminEmail        string `yaml:"admin_email"`
		UnsubscribeSecret string `yaml:"unsubscribe_secret"`
	} `yaml:"delivery"`
	Ingest struct {
		Token string `yaml:"token"`
	} `yaml:"ingest"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. Environment variables win
// over YAML values.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// Pure-env deployments run without a config file.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Database.URL),
		RedisURL:    firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL, "redis://localhost:6379/0"),
		AI: AIConfig{
			APIKey:           firstNonEmpty(os.Getenv("AI_API_KEY"), raw.AI.APIKey),
			BaseURL:          firstNonEmpty(os.Getenv("AI_BASE_URL"), raw.AI.BaseURL, "https://api.openai.com/v1"),
			EmbeddingModel:   firstNonEmpty(os.Getenv("AI_EMBEDDING_MODEL"), raw.AI.EmbeddingModel, "text-embedding-3-small"),
			CompletionModel:  firstNonEmpty(os.Getenv("AI_COMPLETION_MODEL"), raw.AI.CompletionModel, "gpt-4o-mini"),
			Dimensions:       firstPositive(envInt("AI_DIMENSIONS"), raw.AI.Dimensions, 1536),
			MonthlyBudgetUSD: firstPositiveFloat(envFloat("AI_MONTHLY_BUDGET_USD"), raw.AI.MonthlyBudget),
		},
		SMTP: SMTPConfig{
			Host:     firstNonEmpty(os.Getenv("SMTP_HOST"), raw.SMTP.Host),
			Port:     firstPositive(envInt("SMTP_PORT"), raw.SMTP.Port, 587),
			Username: firstNonEmpty(os.Getenv("SMTP_USERNAME"), raw.SMTP.Username),
			Password: firstNonEmpty(os.Getenv("SMTP_PASSWORD"), raw.SMTP.Password),
			From:     firstNonEmpty(os.Getenv("SMTP_FROM"), raw.SMTP.From),
		},
		SimilarityThreshold: firstPositiveFloat(envFloat("SIMILARITY_THRESHOLD"), raw.Pipeline.SimilarityThreshold, 0.85),
		TopK:                firstPositive(envInt("MATCH_TOP_K"), raw.Pipeline.TopK, 30),
		ScanSinceDays:       firstPositive(envInt("SCAN_SINCE_DAYS"), raw.Pipeline.ScanSinceDays, 7),
		ScanSpec:            firstNonEmpty(os.Getenv("SCAN_CRON"), raw.Schedule.Scan, "0 6 * * *"),
		PurgeSpec:           firstNonEmpty(os.Getenv("PURGE_CRON"), raw.Schedule.Purge, "30 3 * * *"),
		DispatchInterval:    envOrDefaultDuration("DISPATCH_INTERVAL", 30*time.Second),
		MailInterval:        envOrDefaultDuration("MAIL_INTERVAL", 60*time.Second),
		AdminEmail:          firstNonEmpty(os.Getenv("ADMIN_EMAIL"), raw.Delivery.AdminEmail),
		UnsubscribeSecret:   firstNonEmpty(os.Getenv("UNSUBSCRIBE_SECRET"), raw.Delivery.UnsubscribeSecret),
		IngestToken:         firstNonEmpty(os.Getenv("INGEST_TOKEN"), raw.Ingest.Token),
		Port:                envOrDefaultInt("PORT", 8080),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured — set DATABASE_URL or database.url in config.yaml")
	}
	if cfg.AI.APIKey == "" {
		return nil, fmt.Errorf("no AI credentials configured — set AI_API_KEY or ai.api_key in config.yaml")
	}
	if cfg.UnsubscribeSecret == "" {
		return nil, fmt.Errorf("no unsubscribe secret configured — set UNSUBSCRIBE_SECRET")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envFloat(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
