package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Backend  BackendConfig  `yaml:"backend"`
	Store    StoreConfig    `yaml:"store"`
	NATS     NATSConfig     `yaml:"nats"`
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SocketConfig struct {
	Dir string `yaml:"dir"`
}

type FleetConfig struct {
	WorkingDir      string        `yaml:"working_dir"`
	StartupGrace    time.Duration `yaml:"startup_grace"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	RelieveCooldown time.Duration `yaml:"relieve_cooldown"`
	BriefingEntries int           `yaml:"briefing_entries"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`
}

type BackendConfig struct {
	Kind      string          `yaml:"kind"`
	Claude    ClaudeConfig    `yaml:"claude"`
	Container ContainerConfig `yaml:"container"`
}

type ClaudeConfig struct {
	CLIPath   string   `yaml:"cli_path"`
	Model     string   `yaml:"model"`
	ExtraArgs []string `yaml:"extra_args"`
}

type ContainerConfig struct {
	Image        string `yaml:"image"`
	BuildContext string `yaml:"build_context"`
	Dockerfile   string `yaml:"dockerfile"`
	Network      string `yaml:"network"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	ArchiveDir string `yaml:"archive_dir"`
}

type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	BackendClaude    = "claude"
	BackendContainer = "container"
)

func defaults() Config {
	return Config{
		Socket: SocketConfig{
			Dir: filepath.Join(os.TempDir(), "crew"),
		},
		Fleet: FleetConfig{
			WorkingDir:      ".",
			StartupGrace:    30 * time.Second,
			KillGrace:       5 * time.Second,
			RelieveCooldown: 60 * time.Second,
			BriefingEntries: 20,
			MaxFrameBytes:   1 << 20,
		},
		Backend: BackendConfig{
			Kind: BackendClaude,
			Claude: ClaudeConfig{
				CLIPath: "claude",
			},
			Container: ContainerConfig{
				Image:      "crew-agent:latest",
				Dockerfile: "Dockerfile.agent",
			},
		},
		Store: StoreConfig{
			Path: "data/crew.db",
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4223,
		},
		Web: WebConfig{
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CREW_CONFIG")
	if path == "" {
		path = "crew.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CREW_SOCKET_DIR"); v != "" {
		cfg.Socket.Dir = v
	}
	if v := os.Getenv("CREW_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("CREW_WORKDIR"); v != "" {
		cfg.Fleet.WorkingDir = v
	}
	if v := os.Getenv("CREW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CREW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CREW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CREW_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("CREW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CREW_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CREW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Socket.Dir == "" {
		errs = append(errs, errors.New("socket.dir must not be empty"))
	}
	if c.Fleet.StartupGrace <= 0 {
		errs = append(errs, errors.New("fleet.startup_grace must be positive"))
	}
	if c.Fleet.KillGrace <= 0 {
		errs = append(errs, errors.New("fleet.kill_grace must be positive"))
	}
	if c.Fleet.RelieveCooldown < 0 {
		errs = append(errs, errors.New("fleet.relieve_cooldown must not be negative"))
	}
	if c.Fleet.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("fleet.max_frame_bytes must be positive"))
	}
	switch c.Backend.Kind {
	case BackendClaude:
		if c.Backend.Claude.CLIPath == "" {
			errs = append(errs, errors.New("backend.claude.cli_path must not be empty"))
		}
	case BackendContainer:
		if c.Backend.Container.Image == "" {
			errs = append(errs, errors.New("backend.container.image must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q is not one of claude, container", c.Backend.Kind))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
