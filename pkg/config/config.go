// Package config provides environment-based configuration for the control plane.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane.
type Config struct {
	// Database configuration
	StoreDriver string `yaml:"store_driver"`
	DatabaseDSN string `yaml:"database_url"`

	// Authentication
	JWTSecret string `yaml:"jwt_secret"`

	// Server configuration
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// PublicURL is the externally reachable base URL used to build webhook callbacks.
	PublicURL string `yaml:"public_url"`
	// ServerIP is the address domains must resolve to before activation.
	ServerIP string `yaml:"server_ip"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Deploy   DeployConfig   `yaml:"deploy"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Redeploy RedeployConfig `yaml:"redeploy"`

	// AgeIdentity is the age X25519 identity used to seal source-control tokens.
	AgeIdentity string `yaml:"age_identity"`
	// RedisURL enables the redis-backed entity locker when set.
	RedisURL string `yaml:"redis_url"`
}

// DeployConfig holds settings for the fetch/build/supervisor pipeline.
type DeployConfig struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	GitBin       string `yaml:"git_bin"`
	PM2Bin       string `yaml:"pm2_bin"`
	NVMDir       string `yaml:"nvm_dir"`

	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	BuildTimeout      time.Duration `yaml:"build_timeout"`
	SupervisorTimeout time.Duration `yaml:"supervisor_timeout"`
}

// RequestTimeout bounds a synchronous start or reload: every pipeline step at
// its own limit, plus slack for the surrounding store calls.
func (d DeployConfig) RequestTimeout() time.Duration {
	return d.FetchTimeout + d.InstallTimeout + d.BuildTimeout + d.SupervisorTimeout + time.Minute
}

// ProxyConfig holds nginx and certbot settings.
type ProxyConfig struct {
	AvailableDir string `yaml:"available_dir"`
	EnabledDir   string `yaml:"enabled_dir"`
	NginxBin     string `yaml:"nginx_bin"`
	CertbotBin   string `yaml:"certbot_bin"`
	CertbotEmail string `yaml:"certbot_email"`

	DNSTimeout   time.Duration `yaml:"dns_timeout"`
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	CertTimeout  time.Duration `yaml:"cert_timeout"`
}

// RedeployConfig holds webhook redeploy queue settings.
type RedeployConfig struct {
	QueueDriver string `yaml:"queue_driver"`
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present, and
// KEEL_CONFIG_FILE may point at a YAML file whose values env vars override.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	base := Defaults()
	if path := os.Getenv("KEEL_CONFIG_FILE"); path != "" {
		if err := base.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg := fromEnv(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	cfg := fromEnv(Defaults())
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret-key-min-32-chars"
	}
	return cfg
}

// Defaults returns the built-in configuration values.
func Defaults() *Config {
	return &Config{
		StoreDriver:     "postgres",
		DatabaseDSN:     "postgres://localhost:5432/keel?sslmode=disable",
		APIHost:         "0.0.0.0",
		APIPort:         8080,
		PublicURL:       "http://localhost:8080",
		ServerIP:        "127.0.0.1",
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		Deploy: DeployConfig{
			WorkspaceDir:      "/var/lib/keel/workspaces",
			GitBin:            "git",
			PM2Bin:            "pm2",
			NVMDir:            "/root/.nvm",
			FetchTimeout:      5 * time.Minute,
			InstallTimeout:    15 * time.Minute,
			BuildTimeout:      15 * time.Minute,
			SupervisorTimeout: time.Minute,
		},
		Proxy: ProxyConfig{
			AvailableDir: "/etc/nginx/sites-available",
			EnabledDir:   "/etc/nginx/sites-enabled",
			NginxBin:     "nginx",
			CertbotBin:   "certbot",
			DNSTimeout:   10 * time.Second,
			ProxyTimeout: 30 * time.Second,
			CertTimeout:  5 * time.Minute,
		},
		Redeploy: RedeployConfig{
			QueueDriver: "memory",
			Workers:     2,
			MaxAttempts: 3,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func fromEnv(base *Config) *Config {
	cfg := *base
	cfg.StoreDriver = getEnv("STORE_DRIVER", base.StoreDriver)
	cfg.DatabaseDSN = getEnv("DATABASE_URL", base.DatabaseDSN)
	cfg.JWTSecret = getEnv("JWT_SECRET", base.JWTSecret)
	cfg.APIHost = getEnv("API_HOST", base.APIHost)
	cfg.APIPort = getIntEnv("API_PORT", base.APIPort)
	cfg.PublicURL = strings.TrimRight(getEnv("PUBLIC_URL", base.PublicURL), "/")
	cfg.ServerIP = getEnv("SERVER_IP", base.ServerIP)
	cfg.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", base.ShutdownTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", base.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", base.LogFormat)
	cfg.AgeIdentity = getEnv("AGE_IDENTITY", base.AgeIdentity)
	cfg.RedisURL = getEnv("REDIS_URL", base.RedisURL)

	cfg.Deploy = DeployConfig{
		WorkspaceDir:      getEnv("WORKSPACE_DIR", base.Deploy.WorkspaceDir),
		GitBin:            getEnv("GIT_BIN", base.Deploy.GitBin),
		PM2Bin:            getEnv("PM2_BIN", base.Deploy.PM2Bin),
		NVMDir:            getEnv("NVM_DIR", base.Deploy.NVMDir),
		FetchTimeout:      getDurationEnv("FETCH_TIMEOUT", base.Deploy.FetchTimeout),
		InstallTimeout:    getDurationEnv("INSTALL_TIMEOUT", base.Deploy.InstallTimeout),
		BuildTimeout:      getDurationEnv("BUILD_TIMEOUT", base.Deploy.BuildTimeout),
		SupervisorTimeout: getDurationEnv("SUPERVISOR_TIMEOUT", base.Deploy.SupervisorTimeout),
	}
	cfg.Proxy = ProxyConfig{
		AvailableDir: getEnv("NGINX_AVAILABLE_DIR", base.Proxy.AvailableDir),
		EnabledDir:   getEnv("NGINX_ENABLED_DIR", base.Proxy.EnabledDir),
		NginxBin:     getEnv("NGINX_BIN", base.Proxy.NginxBin),
		CertbotBin:   getEnv("CERTBOT_BIN", base.Proxy.CertbotBin),
		CertbotEmail: getEnv("CERTBOT_EMAIL", base.Proxy.CertbotEmail),
		DNSTimeout:   getDurationEnv("DNS_TIMEOUT", base.Proxy.DNSTimeout),
		ProxyTimeout: getDurationEnv("PROXY_TIMEOUT", base.Proxy.ProxyTimeout),
		CertTimeout:  getDurationEnv("CERT_TIMEOUT", base.Proxy.CertTimeout),
	}
	cfg.Redeploy = RedeployConfig{
		QueueDriver: getEnv("QUEUE_DRIVER", base.Redeploy.QueueDriver),
		Workers:     getIntEnv("REDEPLOY_WORKERS", base.Redeploy.Workers),
		MaxAttempts: getIntEnv("REDEPLOY_MAX_ATTEMPTS", base.Redeploy.MaxAttempts),
	}
	return &cfg
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if ip := net.ParseIP(c.ServerIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("SERVER_IP must be an IPv4 address, got %q", c.ServerIP)
	}
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		return fmt.Errorf("PUBLIC_URL must be an absolute http(s) URL")
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	switch c.Redeploy.QueueDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("QUEUE_DRIVER must be postgres or memory, got %q", c.Redeploy.QueueDriver)
	}
	if c.Redeploy.QueueDriver == "postgres" && c.StoreDriver != "postgres" {
		return fmt.Errorf("QUEUE_DRIVER=postgres requires STORE_DRIVER=postgres")
	}
	if c.Redeploy.Workers < 1 {
		return fmt.Errorf("REDEPLOY_WORKERS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
