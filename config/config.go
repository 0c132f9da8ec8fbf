// Package config loads the node's local, firmware-owned settings with
// viper and watches the file for changes. The node configuration received
// over the wire lives in nodeconfig.
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddielth/nodecore/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var log = logger.Tag("config")

// Config is the local settings file.
type Config struct {
	Node        NodeSettings      `mapstructure:"node"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Commands    CommandsConfig    `mapstructure:"commands"`
	Safety      SafetyConfig      `mapstructure:"safety"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Errors      ErrorsConfig      `mapstructure:"errors"`
	Hardware    HardwareConfig    `mapstructure:"hardware"`
	Calibration map[string]Script `mapstructure:"calibration"`
	Diag        DiagConfig        `mapstructure:"diag"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// NodeSettings identifies the device.
type NodeSettings struct {
	// HardwareID is the stable serial; generated and persisted when empty.
	HardwareID   string   `mapstructure:"hardware_id"`
	NodeType     string   `mapstructure:"node_type"`
	FWVersion    string   `mapstructure:"fw_version"`
	Capabilities []string `mapstructure:"capabilities"`
}

// MQTTConfig is the bootstrap broker used until a node config arrives.
type MQTTConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	UseTLS         bool          `mapstructure:"use_tls"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is file, sqlite, mysql, postgresql or redis.
	Backend   string          `mapstructure:"backend"`
	Target    string          `mapstructure:"target"`
	OpTimeout time.Duration   `mapstructure:"op_timeout"`
	Mirrors   []StorageMirror `mapstructure:"mirrors"`
}

// StorageMirror is a secondary backend receiving every write.
type StorageMirror struct {
	Backend string `mapstructure:"backend"`
	Target  string `mapstructure:"target"`
}

// TelemetryConfig tunes batching and sensor polling.
type TelemetryConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// CommandsConfig tunes the command handler.
type CommandsConfig struct {
	DedupSize   int           `mapstructure:"dedup_size"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
	QueueSize   int           `mapstructure:"queue_size"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// SafetyConfig tunes the state manager.
type SafetyConfig struct {
	CriticalThreshold int           `mapstructure:"critical_threshold"`
	ErrorEscalation   int           `mapstructure:"error_escalation"`
	RecoveryWindow    time.Duration `mapstructure:"recovery_window"`
}

// HeartbeatConfig sets the periodic publish intervals.
type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// ErrorsConfig caps outbound error reports.
type ErrorsConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// HardwareConfig is the firmware pin table. It is never taken from the
// node config received over the wire.
type HardwareConfig struct {
	// Bus selects the I/O bus driver. Only "sim" ships with this build.
	Bus          string      `mapstructure:"bus"`
	ExpanderAddr uint8       `mapstructure:"expander_addr"`
	Retry        RetryConfig `mapstructure:"retry"`
	Pumps        []PumpPin   `mapstructure:"pumps"`
	Relays       []RelayPin  `mapstructure:"relays"`
}

// RetryConfig tunes bus retries.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	Delay     time.Duration `mapstructure:"delay"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// PumpPin binds a pump channel to an expander pin and optional current sensor.
type PumpPin struct {
	Channel      string        `mapstructure:"channel"`
	Pin          uint8         `mapstructure:"pin"`
	ActiveHigh   bool          `mapstructure:"active_high"`
	CurrentAddr  uint8         `mapstructure:"current_addr"`
	CurrentLSB   float64       `mapstructure:"current_lsb"`
	MinCurrentMA float64       `mapstructure:"min_current_ma"`
	MaxCurrentMA float64       `mapstructure:"max_current_ma"`
	Stabilize    time.Duration `mapstructure:"stabilize"`
}

// RelayPin binds a relay channel to an expander pin.
type RelayPin struct {
	Channel    string `mapstructure:"channel"`
	Pin        uint8  `mapstructure:"pin"`
	ActiveHigh bool   `mapstructure:"active_high"`
	// Type is NO or NC.
	Type string `mapstructure:"type"`
}

// Script is one calibration script, inline or from a file.
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// DiagConfig is the local diagnostics HTTP endpoint.
type DiagConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggerConfig mirrors logger.LoggerConfig.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is called with the reloaded settings.
type ConfigChangeCallback func(cfg *Config) error

var mu sync.Mutex

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.node_type", "generic")
	v.SetDefault("node.fw_version", "1.0.0")

	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.keepalive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.target", "./data")
	v.SetDefault("storage.op_timeout", time.Second)

	v.SetDefault("telemetry.batch_size", 10)
	v.SetDefault("telemetry.flush_interval", 5*time.Second)
	v.SetDefault("telemetry.poll_interval", 5*time.Second)

	v.SetDefault("commands.dedup_size", 20)
	v.SetDefault("commands.dedup_ttl", 60*time.Second)
	v.SetDefault("commands.queue_size", 64)
	v.SetDefault("commands.lock_timeout", time.Second)

	v.SetDefault("safety.critical_threshold", 1)
	v.SetDefault("safety.error_escalation", 0)
	v.SetDefault("safety.recovery_window", 30*time.Second)

	v.SetDefault("heartbeat.interval", 15*time.Second)
	v.SetDefault("heartbeat.status_interval", 60*time.Second)

	v.SetDefault("errors.rate_per_second", 1.0)
	v.SetDefault("errors.burst", 5)

	v.SetDefault("hardware.bus", "sim")
	v.SetDefault("hardware.expander_addr", 0x20)
	v.SetDefault("hardware.retry.attempts", 3)
	v.SetDefault("hardware.retry.delay", 10*time.Millisecond)
	v.SetDefault("hardware.retry.op_timeout", time.Second)

	v.SetDefault("diag.enabled", true)
	v.SetDefault("diag.listen", "127.0.0.1:9107")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.console", true)
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
}

// LoadConfig reads the YAML file at configPath on top of the defaults.
func LoadConfig(configPath string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	setDefaults(viper.GetViper())
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", configPath, err)
	}
	return decode()
}

func decode() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	if c.Telemetry.BatchSize <= 0 {
		return fmt.Errorf("telemetry.batch_size must be positive")
	}
	if c.Commands.DedupSize <= 0 {
		return fmt.Errorf("commands.dedup_size must be positive")
	}
	if c.Safety.CriticalThreshold <= 0 {
		return fmt.Errorf("safety.critical_threshold must be positive")
	}
	for i, r := range c.Hardware.Relays {
		if r.Type != "" && r.Type != "NO" && r.Type != "NC" {
			return fmt.Errorf("hardware.relays[%d].type must be NO or NC", i)
		}
	}
	return nil
}

// WatchConfig calls callback after every write to the settings file.
// Writes closer together than the debounce interval are coalesced.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		log.Info("settings file changed: %s", e.Name)

		mu.Lock()
		newConfig, err := decode()
		mu.Unlock()
		if err != nil {
			log.Error("reloaded settings rejected: %v", err)
			return
		}
		if err := callback(newConfig); err != nil {
			log.Error("applying reloaded settings failed: %v", err)
			return
		}
		log.Info("settings reloaded")
	})
	return nil
}
