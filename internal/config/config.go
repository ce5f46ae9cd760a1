package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// IRCNetworkConfig holds connection settings for a single IRC network
type IRCNetworkConfig struct {
	Address          string `mapstructure:"address"`
	Port             int    `mapstructure:"port"`
	Nickname         string `mapstructure:"nickname"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	VerifySSL        bool   `mapstructure:"verify_ssl"`
	NickservPassword string `mapstructure:"nickserv_password"`
}

// IRCControlConfig selects the operator control network and channel
type IRCControlConfig struct {
	Network string `mapstructure:"network"`
	Channel string `mapstructure:"channel"`
}

// Config holds all application configuration
type Config struct {
	// Tracker
	TrackerURL      string `mapstructure:"tracker_url"`
	TrackerUser     string `mapstructure:"tracker_user"`
	TrackerPass     string `mapstructure:"tracker_pass"`
	TrackerSource   string `mapstructure:"tracker_source"`
	TrackerAnnounce string `mapstructure:"tracker_announce"` // announce URI embedded in created torrents
	ShowsURI        string `mapstructure:"shows_uri"`

	// Storage
	StateDB      string `mapstructure:"state_db"`      // bolthold database file
	StorageDir   string `mapstructure:"storage_dir"`   // completed downloads
	TransientDir string `mapstructure:"transient_dir"` // in-progress torrent data
	TempDir      string `mapstructure:"temp_dir"`      // staging for http downloads and created torrents
	TorrentDir   string `mapstructure:"torrent_dir"`   // final .torrent files
	ShowsFile    string `mapstructure:"shows_file"`    // on-disk cache of the shows definition

	// Torrent
	TorrentConcurrency int `mapstructure:"torrent_concurrency"` // Max simultaneously active torrent transfers (default: 3)

	// IRC
	IRCNetworks map[string]IRCNetworkConfig `mapstructure:"irc_networks"`
	IRCControl  IRCControlConfig            `mapstructure:"irc_control"`

	// Server
	ServerPort string `mapstructure:"server_port"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Load loads configuration from config.yaml and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if configDir := os.Getenv("CONFIG_DIR"); configDir != "" {
		viper.AddConfigPath(configDir)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Set defaults
	viper.SetDefault("state_db", "state.db")
	viper.SetDefault("storage_dir", "storage")
	viper.SetDefault("transient_dir", "transient")
	viper.SetDefault("temp_dir", os.TempDir())
	viper.SetDefault("torrent_dir", "torrents")
	viper.SetDefault("shows_file", "shows.json")
	viper.SetDefault("torrent_concurrency", 3)
	viper.SetDefault("server_port", "8080")
	viper.SetDefault("log_level", "info")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Validate required fields
	if config.TrackerURL == "" {
		return nil, fmt.Errorf("tracker_url is required")
	}
	if config.TrackerUser == "" {
		return nil, fmt.Errorf("tracker_user is required")
	}
	if config.TrackerPass == "" {
		return nil, fmt.Errorf("tracker_pass is required")
	}
	if config.TrackerAnnounce == "" {
		return nil, fmt.Errorf("tracker_announce is required")
	}
	if config.ShowsURI == "" {
		return nil, fmt.Errorf("shows_uri is required")
	}

	// Create working directories if they don't exist
	for _, dir := range []string{config.StorageDir, config.TransientDir, config.TempDir, config.TorrentDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if dir := filepath.Dir(config.StateDB); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state database directory: %w", err)
		}
	}

	return &config, nil
}
