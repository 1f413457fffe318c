// Package config loads and persists bridge settings using the same
// TOML-on-disk pattern the teacher daemon uses for its own config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultWSAddr         = ":3002"
	defaultMaxPending     = 50
	defaultStaleTimeout   = 60 * time.Second
	defaultSweepInterval  = 15 * time.Second
	defaultGlobalCap      = 60 * time.Second
	defaultPingInterval   = 10 * time.Second
	defaultPongTimeout    = 5 * time.Second
	defaultIdleGrace      = 30 * time.Second
	defaultConfigDirName  = "pagebridge"
	defaultConfigFileName = "config.toml"
)

// Settings is the fully-resolved, typed configuration the rest of the
// bridge consumes.
type Settings struct {
	Path string

	HTTPAddr string
	WSAddr   string

	MCPToken   string
	AdminToken string

	MaxPending    int
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	GlobalCap     time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
	IdleGrace     time.Duration
}

type fileConfig struct {
	Server  serverConfig  `toml:"server"`
	Auth    authConfig    `toml:"auth"`
	Timeout timeoutConfig `toml:"timeout"`
}

type serverConfig struct {
	HTTPAddr string `toml:"http_addr"`
	WSAddr   string `toml:"ws_addr"`
}

type authConfig struct {
	MCPToken   string `toml:"mcp_token"`
	AdminToken string `toml:"admin_token"`
}

type timeoutConfig struct {
	MaxPending    int    `toml:"max_pending"`
	StaleTimeout  string `toml:"stale_timeout"`
	SweepInterval string `toml:"sweep_interval"`
	GlobalCap     string `toml:"global_cap"`
	PingInterval  string `toml:"ping_interval"`
	PongTimeout   string `toml:"pong_timeout"`
	IdleGrace     string `toml:"idle_grace"`
}

// LoadOrCreate reads path (or the default config path when empty), filling
// in and persisting any missing defaults, including freshly generated auth
// tokens.
func LoadOrCreate(path string) (Settings, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return Settings{}, err
		}
	}

	cfg := defaultFileConfig()
	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		var onDisk fileConfig
		if _, err := toml.DecodeFile(path, &onDisk); err != nil {
			return Settings{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		mergeFileConfig(&cfg, onDisk)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("stat config %s: %w", path, err)
	}

	changed := false
	if strings.TrimSpace(cfg.Auth.MCPToken) == "" {
		cfg.Auth.MCPToken = randomToken()
		changed = true
	}
	if strings.TrimSpace(cfg.Auth.AdminToken) == "" {
		cfg.Auth.AdminToken = randomToken()
		changed = true
	}

	if !exists || changed {
		if err := writeConfig(path, cfg); err != nil {
			return Settings{}, err
		}
	}

	return toSettings(path, cfg)
}

// DefaultPath mirrors the teacher's XDG-ish config layout under the user's
// home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName, defaultConfigFileName), nil
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Server: serverConfig{HTTPAddr: defaultHTTPAddr, WSAddr: defaultWSAddr},
		Timeout: timeoutConfig{
			MaxPending:    defaultMaxPending,
			StaleTimeout:  defaultStaleTimeout.String(),
			SweepInterval: defaultSweepInterval.String(),
			GlobalCap:     defaultGlobalCap.String(),
			PingInterval:  defaultPingInterval.String(),
			PongTimeout:   defaultPongTimeout.String(),
			IdleGrace:     defaultIdleGrace.String(),
		},
	}
}

func mergeFileConfig(dst *fileConfig, src fileConfig) {
	if v := strings.TrimSpace(src.Server.HTTPAddr); v != "" {
		dst.Server.HTTPAddr = v
	}
	if v := strings.TrimSpace(src.Server.WSAddr); v != "" {
		dst.Server.WSAddr = v
	}
	if v := strings.TrimSpace(src.Auth.MCPToken); v != "" {
		dst.Auth.MCPToken = v
	}
	if v := strings.TrimSpace(src.Auth.AdminToken); v != "" {
		dst.Auth.AdminToken = v
	}
	if src.Timeout.MaxPending > 0 {
		dst.Timeout.MaxPending = src.Timeout.MaxPending
	}
	if v := strings.TrimSpace(src.Timeout.StaleTimeout); v != "" {
		dst.Timeout.StaleTimeout = v
	}
	if v := strings.TrimSpace(src.Timeout.SweepInterval); v != "" {
		dst.Timeout.SweepInterval = v
	}
	if v := strings.TrimSpace(src.Timeout.GlobalCap); v != "" {
		dst.Timeout.GlobalCap = v
	}
	if v := strings.TrimSpace(src.Timeout.PingInterval); v != "" {
		dst.Timeout.PingInterval = v
	}
	if v := strings.TrimSpace(src.Timeout.PongTimeout); v != "" {
		dst.Timeout.PongTimeout = v
	}
	if v := strings.TrimSpace(src.Timeout.IdleGrace); v != "" {
		dst.Timeout.IdleGrace = v
	}
}

func toSettings(path string, cfg fileConfig) (Settings, error) {
	stale, err := time.ParseDuration(cfg.Timeout.StaleTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.stale_timeout duration: %w", err)
	}
	sweep, err := time.ParseDuration(cfg.Timeout.SweepInterval)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.sweep_interval duration: %w", err)
	}
	globalCap, err := time.ParseDuration(cfg.Timeout.GlobalCap)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.global_cap duration: %w", err)
	}
	ping, err := time.ParseDuration(cfg.Timeout.PingInterval)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.ping_interval duration: %w", err)
	}
	pong, err := time.ParseDuration(cfg.Timeout.PongTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.pong_timeout duration: %w", err)
	}
	idle, err := time.ParseDuration(cfg.Timeout.IdleGrace)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid timeout.idle_grace duration: %w", err)
	}
	maxPending := cfg.Timeout.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return Settings{
		Path:          path,
		HTTPAddr:      cfg.Server.HTTPAddr,
		WSAddr:        cfg.Server.WSAddr,
		MCPToken:      cfg.Auth.MCPToken,
		AdminToken:    cfg.Auth.AdminToken,
		MaxPending:    maxPending,
		StaleTimeout:  stale,
		SweepInterval: sweep,
		GlobalCap:     globalCap,
		PingInterval:  ping,
		PongTimeout:   pong,
		IdleGrace:     idle,
	}, nil
}

func writeConfig(path string, cfg fileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString("# bridge config for bridged and bridgetop\n\n"); err != nil {
		return fmt.Errorf("write config header: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
