// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Window    WindowConfig    `mapstructure:"window"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Targets   TargetsConfig   `mapstructure:"targets"`
	Stock     StockConfig     `mapstructure:"stock"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WindowConfig bounds daily activity to [start_hour, end_hour) in the shop's
// local timezone, expressed as a fixed UTC offset.
type WindowConfig struct {
	UTCOffsetHours int `mapstructure:"utc_offset_hours"`
	StartHour      int `mapstructure:"start_hour"`
	EndHour        int `mapstructure:"end_hour"`
}

// SchedulerConfig governs pass pacing and the concurrency ramp.
type SchedulerConfig struct {
	InitialConcurrency int     `mapstructure:"initial_concurrency"`
	DesiredConcurrency int     `mapstructure:"desired_concurrency"`
	PassDelayMinMs     int     `mapstructure:"pass_delay_min_ms"`
	PassDelayMaxMs     int     `mapstructure:"pass_delay_max_ms"`
	HostQPS            float64 `mapstructure:"host_qps"`
}

// SessionConfig tunes browser session launch behavior.
type SessionConfig struct {
	LaunchAttempts       int `mapstructure:"launch_attempts"`
	LaunchTimeoutSeconds int `mapstructure:"launch_timeout_seconds"`
	NavTimeoutSeconds    int `mapstructure:"nav_timeout_seconds"`
}

// BrowserConfig configures the headless Chrome instances.
type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless"`
	UserAgent string `mapstructure:"user_agent"`
}

// ProxyConfig points at the proxy list file.
type ProxyConfig struct {
	ListPath string `mapstructure:"list_path"`
}

// TargetsConfig points at the product target CSV.
type TargetsConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// StockConfig configures stock payload recognition and purchase links.
type StockConfig struct {
	PayloadURLMark string `mapstructure:"payload_url_mark"`
	OrderBaseURL   string `mapstructure:"order_base_url"`
}

// DetectorConfig lists anti-bot block page signatures.
type DetectorConfig struct {
	Keywords  []string `mapstructure:"keywords"`
	Selectors []string `mapstructure:"selectors"`
}

// NotifyConfig holds Telegram credentials; both empty means log-only mode.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("window.utc_offset_hours", 8)
	v.SetDefault("window.start_hour", 9)
	v.SetDefault("window.end_hour", 23)
	v.SetDefault("scheduler.initial_concurrency", 1)
	v.SetDefault("scheduler.desired_concurrency", 3)
	v.SetDefault("scheduler.pass_delay_min_ms", 3000)
	v.SetDefault("scheduler.pass_delay_max_ms", 5000)
	v.SetDefault("scheduler.host_qps", 2.0)
	v.SetDefault("session.launch_attempts", 3)
	v.SetDefault("session.launch_timeout_seconds", 45)
	v.SetDefault("session.nav_timeout_seconds", 30)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("proxy.list_path", "proxies.txt")
	v.SetDefault("targets.csv_path", "targets.csv")
	v.SetDefault("stock.payload_url_mark", "productDetails")
	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("stock.order_base_url", "")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("detector.keywords", []string{"access denied", "verify you are human"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Window.StartHour < 0 || c.Window.StartHour > 23 {
		return fmt.Errorf("window.start_hour must be in [0, 23]")
	}
	if c.Window.EndHour < 1 || c.Window.EndHour > 24 {
		return fmt.Errorf("window.end_hour must be in [1, 24]")
	}
	if c.Window.StartHour >= c.Window.EndHour {
		return fmt.Errorf("window.start_hour must precede window.end_hour")
	}
	if c.Scheduler.DesiredConcurrency <= 0 {
		return fmt.Errorf("scheduler.desired_concurrency must be > 0")
	}
	if c.Scheduler.InitialConcurrency > c.Scheduler.DesiredConcurrency {
		return fmt.Errorf("scheduler.initial_concurrency must not exceed desired_concurrency")
	}
	if c.Scheduler.PassDelayMinMs <= 0 || c.Scheduler.PassDelayMaxMs < c.Scheduler.PassDelayMinMs {
		return fmt.Errorf("scheduler pass delay bounds must satisfy 0 < min <= max")
	}
	if c.Proxy.ListPath == "" {
		return fmt.Errorf("proxy.list_path is required")
	}
	if c.Targets.CSVPath == "" {
		return fmt.Errorf("targets.csv_path is required")
	}
	if c.Stock.OrderBaseURL == "" {
		return fmt.Errorf("stock.order_base_url is required")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("notify.telegram_token and notify.telegram_chat_id must be set together")
	}
	return nil
}

// PassDelayBounds converts the millisecond knobs into durations.
func (c Config) PassDelayBounds() (min, max time.Duration) {
	return time.Duration(c.Scheduler.PassDelayMinMs) * time.Millisecond,
		time.Duration(c.Scheduler.PassDelayMaxMs) * time.Millisecond
}

// LaunchTimeout converts the session launch budget into a duration.
func (c Config) LaunchTimeout() time.Duration {
	return time.Duration(c.Session.LaunchTimeoutSeconds) * time.Second
}

// NavTimeout converts the navigation budget into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeoutSeconds) * time.Second
}
