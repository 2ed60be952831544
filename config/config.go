// Package config loads node configuration from a YAML file, a .env file
// and LANXFER_ environment variables, and sets up logging.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/lanxfer"
)

// EnvPrefix prefixes every environment override, e.g. LANXFER_LISTEN_ADDR.
const EnvPrefix = "LANXFER"

// Config is the on-disk configuration.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	PeerID      string `mapstructure:"peer_id"`
	Passphrase  string `mapstructure:"passphrase"`
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DownloadDir string `mapstructure:"download_dir"`
	ShareRoot   string `mapstructure:"share_root"`
	// Peers are static "id@host:port[#key]" entries dialed on start.
	Peers []string `mapstructure:"peers"`

	ChunkSize   uint32 `mapstructure:"chunk_size"`
	BufferSize  int    `mapstructure:"buffer_size"`
	BufferCount int    `mapstructure:"buffer_count"`

	MaxSessions     int `mapstructure:"max_sessions"`
	Window          int `mapstructure:"window"`
	MaxRetries      int `mapstructure:"max_retries"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`

	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	MessageTimeout     time.Duration `mapstructure:"message_timeout"`
	ReplayWindow       int           `mapstructure:"replay_window"`
	Debounce           time.Duration `mapstructure:"debounce"`

	Compression bool `mapstructure:"compression"`
	AutoResume  bool `mapstructure:"auto_resume"`
	Overwrite   bool `mapstructure:"overwrite"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	o := lanxfer.NewOptions()
	v.SetDefault("data_dir", o.DataDir)
	v.SetDefault("peer_id", "")
	v.SetDefault("passphrase", "")
	v.SetDefault("listen_addr", o.ListenAddr)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("download_dir", o.DownloadDir)
	v.SetDefault("share_root", "")
	v.SetDefault("peers", []string{})
	v.SetDefault("chunk_size", o.ChunkSize)
	v.SetDefault("buffer_size", o.BufferSize)
	v.SetDefault("buffer_count", o.BufferCount)
	v.SetDefault("max_sessions", o.MaxSessions)
	v.SetDefault("window", o.Window)
	v.SetDefault("max_retries", o.MaxRetries)
	v.SetDefault("checkpoint_every", o.CheckpointEvery)
	v.SetDefault("ack_timeout", o.AckTimeout)
	v.SetDefault("negotiation_timeout", o.NegotiationTimeout)
	v.SetDefault("verify_timeout", o.VerifyTimeout)
	v.SetDefault("idle_timeout", o.IdleTimeout)
	v.SetDefault("handshake_timeout", o.HandshakeTimeout)
	v.SetDefault("message_timeout", o.MessageTimeout)
	v.SetDefault("replay_window", o.ReplayWindow)
	v.SetDefault("debounce", o.Debounce)
	v.SetDefault("compression", false)
	v.SetDefault("auto_resume", true)
	v.SetDefault("overwrite", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration. An empty path searches ./lanxfer.yaml and
// $HOME/.lanxfer/lanxfer.yaml; a missing file is not an error when path is
// empty. Variables from a .env file in the working directory are loaded
// first and never override the real environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lanxfer")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".lanxfer"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.DownloadDir = expandPath(cfg.DownloadDir)
	cfg.ShareRoot = expandPath(cfg.ShareRoot)

	logrus.WithFields(logrus.Fields{
		"function": "config.Load",
		"file":     v.ConfigFileUsed(),
	}).Debug("Configuration loaded")
	return &cfg, nil
}

// Options converts the configuration into node options.
func (c *Config) Options() *lanxfer.Options {
	o := lanxfer.NewOptions()
	o.DataDir = c.DataDir
	o.PeerID = c.PeerID
	if c.Passphrase != "" {
		o.Passphrase = []byte(c.Passphrase)
	}
	o.ListenAddr = c.ListenAddr
	o.DownloadDir = c.DownloadDir
	o.ShareRoot = c.ShareRoot
	o.ChunkSize = c.ChunkSize
	o.BufferSize = c.BufferSize
	o.BufferCount = c.BufferCount
	o.MaxSessions = c.MaxSessions
	o.Window = c.Window
	o.MaxRetries = c.MaxRetries
	o.CheckpointEvery = c.CheckpointEvery
	o.AckTimeout = c.AckTimeout
	o.NegotiationTimeout = c.NegotiationTimeout
	o.VerifyTimeout = c.VerifyTimeout
	o.IdleTimeout = c.IdleTimeout
	o.HandshakeTimeout = c.HandshakeTimeout
	o.MessageTimeout = c.MessageTimeout
	o.ReplayWindow = c.ReplayWindow
	o.Debounce = c.Debounce
	o.Compression = c.Compression
	o.AutoResume = c.AutoResume
	o.Overwrite = c.Overwrite
	return o
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
