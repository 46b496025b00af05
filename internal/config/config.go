package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel kinds understood by cmd/valet.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Channel struct {
		Kind string `yaml:"kind"`
	} `yaml:"channel"`

	WhatsApp struct {
		APIURL         string `yaml:"api_url"`
		PhoneNumberID  string `yaml:"phone_number_id"`
		AccessToken    string `yaml:"access_token"`
		VerifyToken    string `yaml:"verify_token"`
		BusinessNumber string `yaml:"business_number"`
	} `yaml:"whatsapp"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Valet struct {
		TotalSlots           int    `yaml:"total_slots"`
		CheckInTTLMinutes    int    `yaml:"checkin_ttl_minutes"`
		RetrievalTTLMinutes  int    `yaml:"retrieval_ttl_minutes"`
		SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
		SessionTTLHours      int    `yaml:"session_ttl_hours"`
		MessagesPerMinute    int    `yaml:"messages_per_minute"`
		WebhookWorkers       int    `yaml:"webhook_workers"`
		WebhookQueue         int    `yaml:"webhook_queue"`
		DriversConfigPath    string `yaml:"drivers_config_path"`
		DriversReloadSeconds int    `yaml:"drivers_reload_seconds"`
	} `yaml:"valet"`

	Images struct {
		Backend  string `yaml:"backend"` // local | s3
		LocalDir string `yaml:"local_dir"`
		S3       struct {
			Bucket        string `yaml:"bucket"`
			Region        string `yaml:"region"`
			Prefix        string `yaml:"prefix"`
			PublicBaseURL string `yaml:"public_base_url"`
		} `yaml:"s3"`
	} `yaml:"images"`

	Outbox struct {
		Workers       int     `yaml:"workers"`
		QueueSize     int     `yaml:"queue_size"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"outbox"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Admin struct {
		APIKey     string `yaml:"api_key"`
		AllowReset bool   `yaml:"allow_reset"`
	} `yaml:"admin"`

	Audit struct {
		Enabled       bool   `yaml:"enabled"`
		Dir           string `yaml:"dir"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"audit"`
}

// BackupConfig controls the periodic SQLite snapshot loop.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/valet.db"
	}
	if cfg.Channel.Kind == "" {
		cfg.Channel.Kind = ChannelWhatsApp
	}
	if cfg.Channel.Kind != ChannelWhatsApp && cfg.Channel.Kind != ChannelTelegram {
		return nil, fmt.Errorf("unknown channel kind %q", cfg.Channel.Kind)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ServerPort() int {
	if c.Server.Port <= 0 {
		return 4513
	}
	return c.Server.Port
}

func (c *Config) TotalSlots() int {
	if c.Valet.TotalSlots <= 0 {
		return 15
	}
	return c.Valet.TotalSlots
}

func (c *Config) CheckInTTL() time.Duration {
	if c.Valet.CheckInTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Valet.CheckInTTLMinutes) * time.Minute
}

func (c *Config) RetrievalTTL() time.Duration {
	if c.Valet.RetrievalTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Valet.RetrievalTTLMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	if c.Valet.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Valet.SweepIntervalSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	if c.Valet.SessionTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Valet.SessionTTLHours) * time.Hour
}

// MessagesPerMinute caps inbound messages per phone; 0 disables the limit.
func (c *Config) MessagesPerMinute() int {
	if c.Valet.MessagesPerMinute < 0 {
		return 0
	}
	if c.Valet.MessagesPerMinute == 0 {
		return 30
	}
	return c.Valet.MessagesPerMinute
}

func (c *Config) WebhookWorkers() int {
	if c.Valet.WebhookWorkers <= 0 {
		return 8
	}
	return c.Valet.WebhookWorkers
}

func (c *Config) WebhookQueue() int {
	if c.Valet.WebhookQueue <= 0 {
		return 256
	}
	return c.Valet.WebhookQueue
}

func (c *Config) DriversReloadInterval() time.Duration {
	if c.Valet.DriversReloadSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Valet.DriversReloadSeconds) * time.Second
}

// QRLinkBase is the deep-link prefix the scannable code opens.
func (c *Config) QRLinkBase() string {
	if c.Channel.Kind == ChannelWhatsApp && c.WhatsApp.BusinessNumber != "" {
		return "https://wa.me/" + c.WhatsApp.BusinessNumber
	}
	return ""
}
