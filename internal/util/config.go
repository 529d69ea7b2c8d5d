// Package util provides configuration, logging and filesystem helpers for fleetscan.
package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Storage
	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	// Script library
	ScriptDir       string `mapstructure:"script_dir"`
	ScriptExtension string `mapstructure:"script_extension"`

	// Remote sessions
	RemoteTransport        string        `mapstructure:"remote_transport"`
	RemotePort             int           `mapstructure:"remote_port"`
	RemoteHTTPS            bool          `mapstructure:"remote_https"`
	RemoteInsecure         bool          `mapstructure:"remote_insecure"`
	RemoteNTLM             bool          `mapstructure:"remote_ntlm"`
	RemoteOperationTimeout time.Duration `mapstructure:"remote_operation_timeout"`
	RemoteReadTimeout      time.Duration `mapstructure:"remote_read_timeout"`
	RemoteKnownHosts       string        `mapstructure:"remote_known_hosts"`
	SessionOpenRate        float64       `mapstructure:"session_open_rate"`
	SessionOpenBurst       int           `mapstructure:"session_open_burst"`

	// Scanning
	ScanMaxWorkers   int           `mapstructure:"scan_max_workers"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	HostTimeout      time.Duration `mapstructure:"host_timeout"`
	FullScanMaxAge   time.Duration `mapstructure:"full_scan_max_age"`
	FallbackEncoding string        `mapstructure:"fallback_encoding"`

	// Credentials
	IdentityFile    string `mapstructure:"identity_file"`
	Recipient       string `mapstructure:"recipient"`
	DefaultUsername string `mapstructure:"default_username"`
	DefaultPassword string `mapstructure:"default_password"`

	// Coordination
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`

	// Events
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`

	// Status server
	WebPort int `mapstructure:"web_port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".fleetscan")

	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		LogFile:  filepath.Join(dataDir, "fleetscan.log"),

		DBDriver: "sqlite3",
		DBDSN:    filepath.Join(dataDir, "fleetscan.db"),

		ScriptDir:       filepath.Join(dataDir, "scripts"),
		ScriptExtension: ".ps1",

		RemoteTransport:        "winrm",
		RemotePort:             5985,
		RemoteNTLM:             true,
		RemoteOperationTimeout: 60 * time.Second,
		RemoteReadTimeout:      90 * time.Second,
		RemoteKnownHosts:       filepath.Join(homeDir, ".ssh", "known_hosts"),
		SessionOpenRate:        10,
		SessionOpenBurst:       5,

		ScanMaxWorkers:   10,
		ScanInterval:     6 * time.Hour,
		ScanTimeout:      2 * time.Hour,
		HostTimeout:      10 * time.Minute,
		FullScanMaxAge:   7 * 24 * time.Hour,
		FallbackEncoding: "windows-1252",

		IdentityFile: filepath.Join(dataDir, "identity.txt"),

		LeaseTTL: 3 * time.Hour,

		NATSSubjectPrefix: "fleetscan",

		WebPort: 8080,
	}
}

// LoadConfig loads configuration from file and environment. An empty
// configFile searches the data dir and the working directory for config.yaml.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(cfg.DataDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLEETSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("db_driver", cfg.DBDriver)
	v.SetDefault("db_dsn", cfg.DBDSN)
	v.SetDefault("script_dir", cfg.ScriptDir)
	v.SetDefault("script_extension", cfg.ScriptExtension)
	v.SetDefault("remote_transport", cfg.RemoteTransport)
	v.SetDefault("remote_port", cfg.RemotePort)
	v.SetDefault("remote_https", cfg.RemoteHTTPS)
	v.SetDefault("remote_insecure", cfg.RemoteInsecure)
	v.SetDefault("remote_ntlm", cfg.RemoteNTLM)
	v.SetDefault("remote_operation_timeout", cfg.RemoteOperationTimeout)
	v.SetDefault("remote_read_timeout", cfg.RemoteReadTimeout)
	v.SetDefault("remote_known_hosts", cfg.RemoteKnownHosts)
	v.SetDefault("session_open_rate", cfg.SessionOpenRate)
	v.SetDefault("session_open_burst", cfg.SessionOpenBurst)
	v.SetDefault("scan_max_workers", cfg.ScanMaxWorkers)
	v.SetDefault("scan_interval", cfg.ScanInterval)
	v.SetDefault("scan_timeout", cfg.ScanTimeout)
	v.SetDefault("host_timeout", cfg.HostTimeout)
	v.SetDefault("full_scan_max_age", cfg.FullScanMaxAge)
	v.SetDefault("fallback_encoding", cfg.FallbackEncoding)
	v.SetDefault("identity_file", cfg.IdentityFile)
	v.SetDefault("recipient", cfg.Recipient)
	v.SetDefault("default_username", cfg.DefaultUsername)
	v.SetDefault("default_password", cfg.DefaultPassword)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("redis_password", cfg.RedisPassword)
	v.SetDefault("redis_db", cfg.RedisDB)
	v.SetDefault("lease_ttl", cfg.LeaseTTL)
	v.SetDefault("nats_url", cfg.NATSURL)
	v.SetDefault("nats_subject_prefix", cfg.NATSSubjectPrefix)
	v.SetDefault("web_port", cfg.WebPort)
}

var (
	errInvalidWorkers   = errors.New("scan_max_workers must be positive")
	errInvalidTransport = errors.New("remote_transport must be winrm or ssh")
	errInvalidDriver    = errors.New("db_driver must be sqlite3, sqlite or pgx")
)

// Validate rejects configuration the scanner cannot run with.
func (c *Config) Validate() error {
	if c.ScanMaxWorkers <= 0 {
		return errInvalidWorkers
	}
	switch c.RemoteTransport {
	case "winrm", "ssh":
	default:
		return fmt.Errorf("%w: %q", errInvalidTransport, c.RemoteTransport)
	}
	switch c.DBDriver {
	case "sqlite3", "sqlite", "pgx":
	default:
		return fmt.Errorf("%w: %q", errInvalidDriver, c.DBDriver)
	}
	if c.ScriptExtension != "" && !strings.HasPrefix(c.ScriptExtension, ".") {
		c.ScriptExtension = "." + c.ScriptExtension
	}
	return nil
}

// PIDFile returns the daemon PID file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "fleetscan.pid")
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
