package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 进程级配置，启动时加载一次，显式传给各组件
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Table   TableConfig   `mapstructure:"table"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Tunnel  TunnelConfig  `mapstructure:"tunnel"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	WebDir string `mapstructure:"webDir"`
}

type TableConfig struct {
	Name        string  `mapstructure:"name"`
	TickRate    int     `mapstructure:"tickRate"` // Hz
	BoardWidth  float64 `mapstructure:"boardWidth"`
	BoardHeight float64 `mapstructure:"boardHeight"`
	CellSize    float64 `mapstructure:"cellSize"`
}

// TickInterval 广播周期
func (t TableConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRate)
}

type SessionConfig struct {
	SendQueue    int `mapstructure:"sendQueue"`
	CommandQueue int `mapstructure:"commandQueue"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite | postgres
	DSN     string `mapstructure:"dsn"`
}

type TunnelConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Command     []string      `mapstructure:"command"`
	Subdomain   string        `mapstructure:"subdomain"`
	Host        string        `mapstructure:"host"`
	EventBuffer int           `mapstructure:"eventBuffer"`
	StopTimeout time.Duration `mapstructure:"stopTimeout"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Stderr     bool   `mapstructure:"stderr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":7777")
	v.SetDefault("server.webDir", "web")

	v.SetDefault("table.name", "default")
	v.SetDefault("table.tickRate", 20)
	v.SetDefault("table.boardWidth", 1000)
	v.SetDefault("table.boardHeight", 1000)
	v.SetDefault("table.cellSize", 50)

	v.SetDefault("session.sendQueue", 64)
	v.SetDefault("session.commandQueue", 256)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "runicvtt.db")

	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.command", []string{"tunnelctl"})
	v.SetDefault("tunnel.subdomain", "")
	v.SetDefault("tunnel.host", "")
	v.SetDefault("tunnel.eventBuffer", 16)
	v.SetDefault("tunnel.stopTimeout", "5s")

	v.SetDefault("log.file", "runicvtt.log")
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.maxSizeMB", 10)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 7)
	v.SetDefault("log.stderr", true)
}

// Flags 命令行覆盖项；名字与配置键一致
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("runicvtt", pflag.ContinueOnError)
	fs.String("config", "runicvtt.json", "config file path")
	fs.String("server.addr", ":7777", "listen address")
	fs.String("table.name", "default", "saved table name")
	fs.Bool("tunnel.enabled", false, "expose the table through a public tunnel")
	fs.String("tunnel.subdomain", "", "requested tunnel subdomain")
	fs.String("log.level", "debug", "log level")
	return fs
}

// Load 读取配置文件（不存在时使用默认值），再叠加已设置的命令行参数
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	if flags != nil {
		// 只绑定显式传入的参数，避免参数默认值盖过配置文件
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Table.TickRate <= 0:
		return fmt.Errorf("table.tickRate must be positive, got %d", c.Table.TickRate)
	case c.Table.CellSize <= 0:
		return fmt.Errorf("table.cellSize must be positive, got %v", c.Table.CellSize)
	case c.Table.BoardWidth <= 0 || c.Table.BoardHeight <= 0:
		return fmt.Errorf("table board size must be positive, got %vx%v", c.Table.BoardWidth, c.Table.BoardHeight)
	case c.Session.SendQueue <= 0 || c.Session.CommandQueue <= 0:
		return errors.New("session queues must be positive")
	case c.Storage.Enabled && c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres":
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	case c.Tunnel.Enabled && len(c.Tunnel.Command) == 0:
		return errors.New("tunnel.command is empty")
	}
	return nil
}
