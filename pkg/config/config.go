// Package config loads the adapter's configuration, layering a YAML file,
// environment variables, and CLI flags through viper/pflag — replacing
// the teacher's bare `flag` package now that there is more than a
// handful of scalar settings to manage (CAN channel selection, one or
// more device sessions, catalog paths, schedules).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CANConfig selects and configures the transport a Supervisor runs on.
type CANConfig struct {
	Transport    string `mapstructure:"transport" yaml:"transport"` // "socketcan" or "slcan"
	Interface    string `mapstructure:"interface" yaml:"interface"` // socketcan interface name, e.g. "can0"
	SerialDevice string `mapstructure:"serial_device" yaml:"serial_device"`
	SerialBitrate int   `mapstructure:"serial_bitrate" yaml:"serial_bitrate"`
}

// ScheduleConfig is one periodic (or one-shot, period_sec: 0) read job.
type ScheduleConfig struct {
	PeriodSec uint32   `mapstructure:"period_sec" yaml:"period_sec"`
	Dids      []uint16 `mapstructure:"dids" yaml:"dids"`
}

// DeviceConfig names one logical device address pair and its catalogs.
type DeviceConfig struct {
	Name           string           `mapstructure:"name" yaml:"name"`
	TxID           uint16           `mapstructure:"tx_id" yaml:"tx_id"`
	TimeoutMs      int              `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	CommonCatalog  string           `mapstructure:"common_catalog" yaml:"common_catalog"`
	DeviceCatalog  string           `mapstructure:"device_catalog" yaml:"device_catalog"`
	Schedules      []ScheduleConfig `mapstructure:"schedules" yaml:"schedules"`
}

// RedisConfig names the host persisted-state/command-queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Config is the adapter's whole configuration surface.
type Config struct {
	CAN                  CANConfig      `mapstructure:"can" yaml:"can"`
	Redis                RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Devices              []DeviceConfig `mapstructure:"devices" yaml:"devices"`
	MetricsAddr          string         `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	StatsPublishIntervalMs int          `mapstructure:"stats_publish_interval_ms" yaml:"stats_publish_interval_ms"`
}

// Load parses CLI flags, merges them over a YAML config file (if present)
// and environment variables (E3UDS_ prefix), and returns the resolved
// Config. args should be the program's os.Args[1:].
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("e3-uds-adapter", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	canTransport := fs.String("can-transport", "socketcan", "CAN transport: socketcan or slcan")
	canInterface := fs.String("can-interface", "can0", "SocketCAN interface name")
	serialDevice := fs.String("serial-device", "/dev/ttyUSB0", "SLCAN serial device path")
	serialBitrate := fs.Int("serial-bitrate", 500000, "SLCAN bus bitrate")
	redisAddr := fs.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass := fs.String("redis-pass", "", "Redis password")
	redisDB := fs.Int("redis-db", 0, "Redis database number")
	metricsAddr := fs.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("E3UDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configPath, err)
		}
	}

	// The file nests these settings (can.transport, redis.addr, ...) while
	// the flags are flat; a file value outranks a flag's default but not a
	// flag given on the command line.
	for flagName, fileKey := range map[string]string{
		"can-transport": "can.transport", "can-interface": "can.interface",
		"serial-device": "can.serial_device", "serial-bitrate": "can.serial_bitrate",
		"redis-addr": "redis.addr", "redis-pass": "redis.password",
		"redis-db": "redis.db", "metrics-addr": "metrics_addr",
	} {
		if v.IsSet(fileKey) {
			v.SetDefault(flagName, v.Get(fileKey))
		}
	}

	cfg := &Config{
		CAN: CANConfig{
			Transport:     v.GetString("can-transport"),
			Interface:     v.GetString("can-interface"),
			SerialDevice:  v.GetString("serial-device"),
			SerialBitrate: v.GetInt("serial-bitrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-pass"),
			DB:       v.GetInt("redis-db"),
		},
		MetricsAddr:            v.GetString("metrics-addr"),
		StatsPublishIntervalMs: 5000,
	}

	// Devices and schedules have no corresponding CLI flags (a device list
	// isn't expressible as scalars); they come only from the config file.
	if err := v.UnmarshalKey("devices", &cfg.Devices); err != nil {
		return nil, fmt.Errorf("config: unmarshal devices: %w", err)
	}
	if v.IsSet("stats_publish_interval_ms") {
		cfg.StatsPublishIntervalMs = v.GetInt("stats_publish_interval_ms")
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration that would fail at runtime in a way
// better caught at startup — mirroring the teacher's preference for
// log.Fatalf only at unrecoverable startup failure.
func Validate(cfg *Config) error {
	switch cfg.CAN.Transport {
	case "socketcan", "slcan":
	default:
		return fmt.Errorf("config: unknown can.transport %q (want socketcan or slcan)", cfg.CAN.Transport)
	}
	for _, d := range cfg.Devices {
		if d.TxID == 0 {
			return fmt.Errorf("config: device %q: tx_id must be set", d.Name)
		}
		if d.CommonCatalog == "" {
			return fmt.Errorf("config: device %q: common_catalog must be set", d.Name)
		}
	}
	return nil
}
