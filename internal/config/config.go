// Package config handles configuration management for xdpfanout
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Mode selects the AF_XDP bind mode for the replicator's sockets.
type Mode string

const (
	ModeZeroCopy   Mode = "zero_copy"
	ModeDriverCopy Mode = "driver_copy"
	ModeHW         Mode = "hw"
	ModeSkbCopy    Mode = "skb_copy"
)

// Config holds all configuration for the replicator.
type Config struct {
	Interface  string `mapstructure:"interface"`
	ListenIP   string `mapstructure:"listen_ip"`
	ListenPort int    `mapstructure:"listen_port"`
	Mode       Mode   `mapstructure:"mode"`
	QueueCount int    `mapstructure:"queue_count"`

	FrameSize uint32 `mapstructure:"frame_size"`
	TXFrames  uint32 `mapstructure:"tx_frames"`
	RXFrames  uint32 `mapstructure:"rx_frames"`

	RXRingSize   uint32 `mapstructure:"rx_ring_size"`
	TXRingSize   uint32 `mapstructure:"tx_ring_size"`
	FillRingSize uint32 `mapstructure:"fill_ring_size"`
	CompRingSize uint32 `mapstructure:"comp_ring_size"`
	TXBatch      int    `mapstructure:"tx_batch"`

	ControlPort    int           `mapstructure:"control_port"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`

	FilterProgramPath string `mapstructure:"filter_program_path"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		ListenPort:        9000,
		Mode:              ModeDriverCopy,
		QueueCount:        1,
		FrameSize:         4096,
		TXFrames:          2048,
		RXFrames:          2048,
		RXRingSize:        2048,
		TXRingSize:        2048,
		FillRingSize:      4096,
		CompRingSize:      4096,
		TXBatch:           64,
		ControlPort:       12345,
		RefreshTimeout:    100 * time.Millisecond,
		FilterProgramPath: "/etc/xdpfanout/filter.o",
		LogLevel:          "info",
		MetricsAddr:       ":9100",
	}
}

// Load builds a Config from command-line flags, environment variables and an
// optional config file, then validates it.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindFlags(v, cmd); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	v.SetEnvPrefix("XDPFANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault("listen_port", d.ListenPort)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("queue_count", d.QueueCount)
	v.SetDefault("frame_size", d.FrameSize)
	v.SetDefault("tx_frames", d.TXFrames)
	v.SetDefault("rx_frames", d.RXFrames)
	v.SetDefault("rx_ring_size", d.RXRingSize)
	v.SetDefault("tx_ring_size", d.TXRingSize)
	v.SetDefault("fill_ring_size", d.FillRingSize)
	v.SetDefault("comp_ring_size", d.CompRingSize)
	v.SetDefault("tx_batch", d.TXBatch)
	v.SetDefault("control_port", d.ControlPort)
	v.SetDefault("refresh_timeout", d.RefreshTimeout)
	v.SetDefault("filter_program_path", d.FilterProgramPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	flagBindings := map[string]string{
		"interface":   "interface",
		"listen-ip":   "listen_ip",
		"listen-port": "listen_port",
		"mode":        "mode",
		"queue-count": "queue_count",
		"control-port": "control_port",
		"log-level":   "log_level",
		"metrics-addr": "metrics_addr",
	}

	for flag, key := range flagBindings {
		if cmd.Flags().Lookup(flag) == nil {
			continue
		}
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a Config for configuration errors that should abort
// startup with a one-line diagnostic.
func Validate(cfg *Config) error {
	if cfg.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if _, err := net.InterfaceByName(cfg.Interface); err != nil {
		return fmt.Errorf("interface %q not found: %w", cfg.Interface, err)
	}
	if net.ParseIP(cfg.ListenIP) == nil || net.ParseIP(cfg.ListenIP).To4() == nil {
		return fmt.Errorf("listen_ip %q is not a valid IPv4 address", cfg.ListenIP)
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", cfg.ListenPort)
	}
	switch cfg.Mode {
	case ModeZeroCopy, ModeDriverCopy, ModeHW, ModeSkbCopy:
	default:
		return fmt.Errorf("invalid mode: %q", cfg.Mode)
	}
	if cfg.QueueCount <= 0 {
		return fmt.Errorf("queue_count must be positive")
	}
	if !isPowerOfTwo(cfg.FrameSize) {
		return fmt.Errorf("frame_size %d must be a power of two", cfg.FrameSize)
	}
	if !isPowerOfTwo(cfg.RXRingSize) || !isPowerOfTwo(cfg.TXRingSize) ||
		!isPowerOfTwo(cfg.FillRingSize) || !isPowerOfTwo(cfg.CompRingSize) {
		return fmt.Errorf("ring sizes must all be powers of two")
	}
	if cfg.TXFrames == 0 || cfg.RXFrames == 0 {
		return fmt.Errorf("tx_frames and rx_frames must be positive")
	}
	if cfg.TXBatch <= 0 || uint32(cfg.TXBatch) > cfg.TXFrames {
		return fmt.Errorf("tx_batch %d must be positive and at most tx_frames", cfg.TXBatch)
	}
	validLogLevels := []string{"debug", "info", "warn", "error"}
	ok := false
	for _, l := range validLogLevels {
		if strings.EqualFold(cfg.LogLevel, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %v)", cfg.LogLevel, validLogLevels)
	}
	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// ListenAddr returns the "ip:port" address the filter is configured to
// redirect to this process.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}
