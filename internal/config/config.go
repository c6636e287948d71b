package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	Bluesky struct {
		Handle           string `json:"handle"`
		Password         string `json:"password"`
		DID              string `json:"did"`
		PDSHost          string `json:"pds_host"`
		DeveloperDID     string `json:"developer_did"`
		DeveloperHandle  string `json:"developer_handle"`
		PostLengthLimit  int    `json:"post_length_limit"`
		MinIntervalMS    int    `json:"min_interval_ms"`
		PublishRetries   int    `json:"publish_retries"`
		DMTimeoutSeconds int    `json:"dm_timeout_seconds"`
	} `json:"bluesky"`

	Gemini struct {
		APIKey        string `json:"api_key"`
		BaseURL       string `json:"base_url"`
		TextModel     string `json:"text_model"`
		ImageModel    string `json:"image_model"`
		VideoModel    string `json:"video_model"`
		MinIntervalMS int    `json:"min_interval_ms"`
		TextRetries   int    `json:"text_retries"`
		ImageRetries  int    `json:"image_retries"`
		VideoRetries  int    `json:"video_retries"`
	} `json:"gemini"`

	Stream struct {
		Endpoint              string `json:"endpoint"`
		ReconnectBaseSeconds  int    `json:"reconnect_base_seconds"`
		ReconnectMaxSeconds   int    `json:"reconnect_max_seconds"`
		FailureAlertThreshold int    `json:"failure_alert_threshold"`
		QueueSize             int    `json:"queue_size"`
	} `json:"stream"`

	Limits struct {
		MaxConversationDepth int `json:"max_conversation_depth"`
		MaxReplyDepth        int `json:"max_reply_depth"`
		ContextDepth         int `json:"context_depth"`
		MaxContextTokens     int `json:"max_context_tokens"`
		MaxConcurrent        int `json:"max_concurrent"`
		LoopGuardExchanges   int `json:"loop_guard_exchanges"`
		CompletedCacheSize   int `json:"completed_cache_size"`
		ThreadMaxAgeHours    int `json:"thread_max_age_hours"`
		MemoryCeilingMB      int `json:"memory_ceiling_mb"`
	} `json:"limits"`

	Retry struct {
		InitialDelayMS int `json:"initial_delay_ms"`
		MaxDelayMS     int `json:"max_delay_ms"`
	} `json:"retry"`

	Media struct {
		WaitTimeoutMinutes int `json:"wait_timeout_minutes"`
	} `json:"media"`

	AutoPost struct {
		Enabled     bool   `json:"enabled"`
		Schedule    string `json:"schedule"`
		Instruction string `json:"instruction"`
	} `json:"auto_post"`

	Ops struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"ops"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".msinfo-bot"),
		LogLevel: "info",
	}
	cfg.Bluesky.PDSHost = "https://bsky.social"
	cfg.Bluesky.PostLengthLimit = 300
	cfg.Bluesky.MinIntervalMS = 500
	cfg.Bluesky.PublishRetries = 3
	cfg.Bluesky.DMTimeoutSeconds = 30
	cfg.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	cfg.Gemini.TextModel = "gemini-2.5-pro-preview-06-05"
	cfg.Gemini.ImageModel = "imagen-3.0-generate-002"
	cfg.Gemini.VideoModel = "veo-2.0-generate-001"
	cfg.Gemini.MinIntervalMS = 1000
	cfg.Gemini.TextRetries = 3
	cfg.Gemini.ImageRetries = 3
	cfg.Gemini.VideoRetries = 2
	cfg.Stream.Endpoint = "wss://jetstream2.us-west.bsky.network/subscribe"
	cfg.Stream.ReconnectBaseSeconds = 5
	cfg.Stream.ReconnectMaxSeconds = 300
	cfg.Stream.FailureAlertThreshold = 5
	cfg.Stream.QueueSize = 1000
	cfg.Limits.MaxConversationDepth = 50
	cfg.Limits.MaxReplyDepth = 10
	cfg.Limits.ContextDepth = 25
	cfg.Limits.MaxContextTokens = 8000
	cfg.Limits.MaxConcurrent = 8
	cfg.Limits.LoopGuardExchanges = 3
	cfg.Limits.CompletedCacheSize = 500
	cfg.Limits.ThreadMaxAgeHours = 48
	cfg.Limits.MemoryCeilingMB = 512
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.MaxDelayMS = 30000
	cfg.Media.WaitTimeoutMinutes = 10
	cfg.AutoPost.Schedule = "0 0 */6 * * *"
	cfg.Ops.Listen = "127.0.0.1:8600"

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
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if handle := os.Getenv("BLUESKY_HANDLE"); handle != "" {
		cfg.Bluesky.Handle = handle
	}
	if password := os.Getenv("BLUESKY_PASSWORD"); password != "" {
		cfg.Bluesky.Password = password
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		cfg.Gemini.APIKey = apiKey
	}
	if did := os.Getenv("DEVELOPER_DID"); did != "" {
		cfg.Bluesky.DeveloperDID = did
	}
	if handle := os.Getenv("DEVELOPER_HANDLE"); handle != "" {
		cfg.Bluesky.DeveloperHandle = handle
	}
	if endpoint := os.Getenv("JETSTREAM_ENDPOINT"); endpoint != "" {
		cfg.Stream.Endpoint = endpoint
	}

	return cfg, nil
}

// Validate reports the required values that are missing. The returned
// slice is empty when the config is usable.
func (c *Config) Validate() []string {
	var missing []string
	if c.Bluesky.Handle == "" {
		missing = append(missing, "bluesky.handle (or BLUESKY_HANDLE)")
	}
	if c.Bluesky.Password == "" {
		missing = append(missing, "bluesky.password (or BLUESKY_PASSWORD)")
	}
	if c.Gemini.APIKey == "" {
		missing = append(missing, "gemini.api_key (or GEMINI_API_KEY)")
	}
	return missing
}

func writeDefaults(path string, cfg *Config) error {
	return Save(path, cfg)
}

// Save writes the config to path atomically, creating the parent
// directory when needed.
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
