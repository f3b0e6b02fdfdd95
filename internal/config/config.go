package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const (
	defaultEnvFile = ".env"
	envFileVar     = "WGPLUGIN_ENV_FILE"

	maxInterfaceName = 15
)

// Config holds the settings of the wgplugin process
type Config struct {
	ProfileName   string `long:"profile" env:"WGPLUGIN_PROFILE" default:"default" description:"Connection profile name"`
	ServerAddress string `long:"server" env:"WGPLUGIN_SERVER" description:"VPN server hostname or IP address"`
	ConfigFile    string `long:"config" env:"WGPLUGIN_CONFIG" description:"Path to the tunnel configuration document"`

	InterfaceName string `long:"interface" env:"WGPLUGIN_INTERFACE" default:"wg0" description:"Virtual interface name"`
	MTU           int    `long:"mtu" env:"WGPLUGIN_MTU" default:"1420" description:"Virtual interface MTU"`
	DryRun        bool   `long:"dry-run" env:"WGPLUGIN_DRY_RUN" description:"Emulate the host in memory instead of creating a TUN device"`

	ControlURL string `long:"control-url" env:"CONTROL_URL" description:"Control server websocket URL; profiles arrive from it when set"`
	APIKey     string `long:"api-key" env:"API_KEY" description:"Control server API key"`

	TickInterval time.Duration `long:"tick-interval" env:"WGPLUGIN_TICK_INTERVAL" default:"250ms" description:"Engine timer interval"`
	StopTimeout  time.Duration `long:"stop-timeout" env:"WGPLUGIN_STOP_TIMEOUT" default:"2s" description:"Upper bound on session teardown"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	GenKey   bool   `long:"genkey" description:"Print a new key pair and exit"`
}

// LoadConfig reads an optional .env file, then parses args with environment
// fallbacks. The .env path can be overridden with WGPLUGIN_ENV_FILE.
func LoadConfig(args []string) (*Config, error) {
	envFile := os.Getenv(envFileVar)
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else {
		slog.Debug("Loaded environment file", "path", envFile)
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations
func (c *Config) Validate() error {
	if c.GenKey {
		return nil
	}

	if c.ControlURL == "" {
		if c.ConfigFile == "" || c.ServerAddress == "" {
			return errors.New("either --control-url or both --config and --server are required")
		}
	} else if !strings.HasPrefix(c.ControlURL, "ws://") && !strings.HasPrefix(c.ControlURL, "wss://") {
		return fmt.Errorf("invalid control URL %q: must use ws:// or wss://", c.ControlURL)
	}

	if c.InterfaceName == "" || len(c.InterfaceName) > maxInterfaceName {
		return fmt.Errorf("invalid interface name %q", c.InterfaceName)
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("invalid MTU %d", c.MTU)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval %s", c.TickInterval)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("invalid stop timeout %s", c.StopTimeout)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ReadDocument returns the contents of ConfigFile
func (c *Config) ReadDocument() (string, error) {
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return "", fmt.Errorf("failed to read tunnel configuration: %w", err)
	}
	return string(data), nil
}
