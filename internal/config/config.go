// Package config loads server configuration from environment variables,
// an optional config file, and defaults, using github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section for the agent bridge server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`   // seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"`  // seconds
	ShutdownGrace int    `mapstructure:"shutdownGrace"` // seconds, bounded shutdown deadline
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}
func (s ServerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(s.ShutdownGrace) * time.Second
}

// IsLoopbackOnly reports whether the configured bind host is a loopback
// address. The hard invariant in spec.md §4.8 step 1 refuses to bind
// anywhere else when no authentication is configured.
func (s ServerConfig) IsLoopbackOnly() bool {
	switch s.Host {
	case "127.0.0.1", "localhost", "::1", "":
		return true
	default:
		return false
	}
}

// DatabaseConfig holds the embedded SQLite store location.
type DatabaseConfig struct {
	DataDir string `mapstructure:"dataDir"`
	AppName string `mapstructure:"appName"`
}

// Path returns the full path to the SQLite database file.
func (d DatabaseConfig) Path() string {
	name := d.AppName
	if name == "" {
		name = "agentbridge"
	}
	return fmt.Sprintf("%s/%s.db", strings.TrimRight(d.DataDir, "/"), name)
}

// WorkDir returns the default worker working directory.
func (d DatabaseConfig) WorkDir() string {
	return strings.TrimRight(d.DataDir, "/") + "/workdir"
}

// AuthConfig holds shared-secret and token-signing configuration.
type AuthConfig struct {
	MasterKey            string `mapstructure:"masterKey"`
	JWTSecret            string `mapstructure:"jwtSecret"`
	SigningAlgorithm     string `mapstructure:"signingAlgorithm"` // HS256, HS384, HS512
	AccessTokenTTL       int    `mapstructure:"accessTokenTTL"`   // seconds
	RefreshTokensEnabled bool   `mapstructure:"refreshTokensEnabled"`
	RefreshTokenTTL      int    `mapstructure:"refreshTokenTTL"` // seconds
	DebugTokenErrors     bool   `mapstructure:"debugTokenErrors"`
}

func (a AuthConfig) AccessTokenTTLDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}
func (a AuthConfig) RefreshTokenTTLDuration() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// Configured reports whether any authentication mechanism is set up.
func (a AuthConfig) Configured() bool {
	return a.MasterKey != "" || a.JWTSecret != ""
}

// BudgetConfig holds default daily spend caps.
type BudgetConfig struct {
	DefaultClientDailyLimitUSD float64 `mapstructure:"defaultClientDailyLimitUsd"`
	GlobalDailyLimitUSD        float64 `mapstructure:"globalDailyLimitUsd"`
}

// SessionConfig holds worker-session pool and lifecycle tuning.
type SessionConfig struct {
	MaxConcurrent     int `mapstructure:"maxConcurrent"`
	MaxPerClient      int `mapstructure:"maxPerClient"`
	RequestTimeoutSec int `mapstructure:"requestTimeoutSec"`
	MaxLifetimeSec    int `mapstructure:"maxLifetimeSec"`
	MaxIdleSec        int `mapstructure:"maxIdleSec"`
	SweepIntervalSec  int `mapstructure:"sweepIntervalSec"`
	MaxBufferBytes    int `mapstructure:"maxBufferBytes"`
	DestroyGraceSec   int `mapstructure:"destroyGraceSec"`
}

func (s SessionConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}
func (s SessionConfig) MaxLifetime() time.Duration {
	return time.Duration(s.MaxLifetimeSec) * time.Second
}
func (s SessionConfig) MaxIdle() time.Duration { return time.Duration(s.MaxIdleSec) * time.Second }
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}
func (s SessionConfig) DestroyGrace() time.Duration {
	return time.Duration(s.DestroyGraceSec) * time.Second
}

// RateLimitConfig holds default per-client token-bucket settings.
type RateLimitConfig struct {
	DefaultRPM       int `mapstructure:"defaultRpm"`
	DefaultBurst     int `mapstructure:"defaultBurst"`
	PruneIntervalSec int `mapstructure:"pruneIntervalSec"`
}

func (r RateLimitConfig) PruneInterval() time.Duration {
	return time.Duration(r.PruneIntervalSec) * time.Second
}

// AgentsConfig points at the agent-definition file and the worker binary.
type AgentsConfig struct {
	ConfigPath string `mapstructure:"configPath"`
	WorkerBin  string `mapstructure:"workerBin"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from the environment (prefix AGENTBRIDGE_),
// an optional config file named by AGENTBRIDGE_CONFIG, and defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short operator-facing aliases alongside the derived names.
	v.BindEnv("auth.masterKey", "AGENTBRIDGE_AUTH_MASTERKEY", "AGENTBRIDGE_MASTER_KEY")
	v.BindEnv("auth.jwtSecret", "AGENTBRIDGE_AUTH_JWTSECRET", "AGENTBRIDGE_JWT_SECRET")
	v.BindEnv("server.port", "AGENTBRIDGE_SERVER_PORT", "AGENTBRIDGE_PORT")
	v.BindEnv("database.dataDir", "AGENTBRIDGE_DATABASE_DATADIR", "AGENTBRIDGE_DATA_DIR")
	v.BindEnv("configFile", "AGENTBRIDGE_CONFIGFILE", "AGENTBRIDGE_CONFIG")
	v.BindEnv("logging.level", "AGENTBRIDGE_LOGGING_LEVEL", "LOG_LEVEL")

	if cfgFile := v.GetString("configFile"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.shutdownGrace", 10)

	v.SetDefault("database.dataDir", "./data")
	v.SetDefault("database.appName", "agentbridge")

	v.SetDefault("auth.signingAlgorithm", "HS256")
	v.SetDefault("auth.accessTokenTTL", 3600)
	v.SetDefault("auth.refreshTokensEnabled", true)
	v.SetDefault("auth.refreshTokenTTL", 86400*14)
	v.SetDefault("auth.debugTokenErrors", false)

	v.SetDefault("budget.defaultClientDailyLimitUsd", 5.0)
	v.SetDefault("budget.globalDailyLimitUsd", 50.0)

	v.SetDefault("session.maxConcurrent", 20)
	v.SetDefault("session.maxPerClient", 5)
	v.SetDefault("session.requestTimeoutSec", 120)
	v.SetDefault("session.maxLifetimeSec", 3600*4)
	v.SetDefault("session.maxIdleSec", 1800)
	v.SetDefault("session.sweepIntervalSec", 60)
	v.SetDefault("session.maxBufferBytes", 10*1024*1024)
	v.SetDefault("session.destroyGraceSec", 5)

	v.SetDefault("rateLimit.defaultRpm", 60)
	v.SetDefault("rateLimit.defaultBurst", 10)
	v.SetDefault("rateLimit.pruneIntervalSec", 300)

	v.SetDefault("agents.configPath", "./agents.yaml")
	v.SetDefault("agents.workerBin", "worker-cli")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
