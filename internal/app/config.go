package app

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ROOMCHAT"

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Server ServerSection `mapstructure:"server"`
	DB     DBSection     `mapstructure:"db"`
	Chat   ChatSection   `mapstructure:"chat"`
	Redis  RedisSection  `mapstructure:"redis"`
}

type ServerSection struct {
	Addr           string `mapstructure:"addr"`
	Path           string `mapstructure:"path"`
	IdentityHeader string `mapstructure:"identityHeader"`
	Env            string `mapstructure:"env"`
}

type DBSection struct {
	Path string `mapstructure:"path"`
}

type ChatSection struct {
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	SendRate       float64       `mapstructure:"sendRate"`
	SendBurst      int           `mapstructure:"sendBurst"`
	HistoryLimit   int           `mapstructure:"historyLimit"`
}

// RedisSection configures the optional presence mirror. An empty Addr
// disables it. A zero RefreshInterval refreshes every TTL/2.
type RedisSection struct {
	Addr            string        `mapstructure:"addr"`
	Prefix          string        `mapstructure:"prefix"`
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
}

// NewViper returns a viper instance with defaults and ROOMCHAT_ env binding.
// Callers may bind flags on it before handing it to LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/chat")
	v.SetDefault("server.identityHeader", "X-Authenticated-User")
	v.SetDefault("server.env", "dev")
	v.SetDefault("db.path", DefaultDBPath())
	v.SetDefault("chat.connectTimeout", "10s")
	v.SetDefault("chat.sendRate", 5)
	v.SetDefault("chat.sendBurst", 5)
	v.SetDefault("chat.historyLimit", 50)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "roomchat")
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("redis.refreshInterval", "0s")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads file (if set, else roomchat.yaml in the working directory
// when present), then env vars, into a ServerConfig.
func LoadConfig(v *viper.Viper, file string) (ServerConfig, error) {
	if v == nil {
		v = NewViper()
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("roomchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return ServerConfig{}, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.Server.Path = NormalizeJoinPath(cfg.Server.Path)
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("ROOMCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "roomchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomchat", "roomchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomchat", "roomchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomchat", "roomchat.db")
		}
		return filepath.Join(home, ".local", "share", "roomchat", "roomchat.db")
	}
	return filepath.Join(".", ".roomchat", "roomchat.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /chat when empty.
func NormalizeJoinPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/chat"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
