package config

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetroute/internal/auth"
	"fleetroute/internal/opt"
	"fleetroute/internal/routing"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	OSRMURL               string
	OSRMTimeout           time.Duration
	OSRMRequestsPerSecond float64
	OSRMRetries           int

	UseOSRM          bool
	PopulationSize   int
	Generations      int
	MutationRate     float64
	SolverWorkers    int
	AvgSpeedKmh      float64
	UnservedPenalty  float64
	SeedIterationCap int

	MaxConcurrentJobs  int
	WebhookMaxAttempts int

	AuthMode       string
	AuthHMACSecret string
	AuthJWKSURL    string
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE. Unset keys keep
// the built-in defaults; environment variables override both.
type fileConfig struct {
	LogLevel        string        `yaml:"log_level"`
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`

	OSRM struct {
		URL               string        `yaml:"url"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Retries           int           `yaml:"retries"`
		Enabled           bool          `yaml:"enabled"`
	} `yaml:"osrm"`

	Solver struct {
		PopulationSize   int     `yaml:"population_size"`
		Generations      int     `yaml:"generations"`
		MutationRate     float64 `yaml:"mutation_rate"`
		Workers          int     `yaml:"workers"`
		AvgSpeedKmh      float64 `yaml:"avg_speed_kmh"`
		UnservedPenalty  float64 `yaml:"unserved_penalty"`
		SeedIterationCap int     `yaml:"seed_iteration_cap"`
	} `yaml:"solver"`

	MaxConcurrentJobs  int `yaml:"max_concurrent_jobs"`
	WebhookMaxAttempts int `yaml:"webhook_max_attempts"`

	Auth struct {
		Mode    string `yaml:"mode"`
		JWKSURL string `yaml:"jwks_url"`
	} `yaml:"auth"`
}

func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", parseLevel(fc.LogLevel, slog.LevelInfo)),
		HTTPAddr:        getEnv("HTTP_ADDR", cmp.Or(fc.HTTPAddr, ":8080")),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", cmp.Or(fc.ReadTimeout, 15*time.Second)),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", cmp.Or(fc.WriteTimeout, 60*time.Second)),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", cmp.Or(fc.ShutdownTimeout, 30*time.Second)),

		DatabaseURL: getEnv("DATABASE_URL", fc.DatabaseURL),
		SQLitePath:  getEnv("SQLITE_PATH", fc.SQLitePath),
		RedisURL:    getEnv("REDIS_URL", fc.RedisURL),

		OSRMURL:               getEnv("OSRM_URL", cmp.Or(fc.OSRM.URL, routing.DefaultOSRMURL)),
		OSRMTimeout:           getDurationEnv("OSRM_TIMEOUT", cmp.Or(fc.OSRM.Timeout, 10*time.Second)),
		OSRMRequestsPerSecond: getFloatEnv("OSRM_RPS", cmp.Or(fc.OSRM.RequestsPerSecond, 5)),
		OSRMRetries:           getIntEnv("OSRM_RETRIES", fc.OSRM.Retries),
		UseOSRM:               getBoolEnv("USE_OSRM", fc.OSRM.Enabled),

		PopulationSize:   getIntEnv("POPULATION_SIZE", cmp.Or(fc.Solver.PopulationSize, 20)),
		Generations:      getIntEnv("GENERATIONS", cmp.Or(fc.Solver.Generations, 60)),
		MutationRate:     getFloatEnv("MUTATION_RATE", cmp.Or(fc.Solver.MutationRate, 0.2)),
		SolverWorkers:    getIntEnv("SOLVER_WORKERS", cmp.Or(fc.Solver.Workers, runtime.GOMAXPROCS(0))),
		AvgSpeedKmh:      getFloatEnv("AVG_SPEED_KMH", cmp.Or(fc.Solver.AvgSpeedKmh, 30)),
		UnservedPenalty:  getFloatEnv("UNSERVED_PENALTY", cmp.Or(fc.Solver.UnservedPenalty, opt.DefaultUnservedPenalty)),
		SeedIterationCap: getIntEnv("SEED_ITERATION_CAP", cmp.Or(fc.Solver.SeedIterationCap, opt.DefaultSeedIterationCap)),

		MaxConcurrentJobs:  getIntEnv("MAX_CONCURRENT_JOBS", cmp.Or(fc.MaxConcurrentJobs, 2)),
		WebhookMaxAttempts: getIntEnv("WEBHOOK_MAX_ATTEMPTS", cmp.Or(fc.WebhookMaxAttempts, 5)),

		AuthMode:       getEnv("AUTH_MODE", cmp.Or(fc.Auth.Mode, auth.ModeOff)),
		AuthHMACSecret: os.Getenv("AUTH_HMAC_SECRET"),
		AuthJWKSURL:    getEnv("AUTH_JWKS_URL", fc.Auth.JWKSURL),
	}

	if err := cfg.SolverOptions().Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be > 0")
	}
	if _, err := auth.NewVerifier(cfg.AuthOptions()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SolverOptions returns the configured search defaults. Requests may override them.
func (c *Config) SolverOptions() opt.Options {
	return opt.Options{
		PopulationSize:        c.PopulationSize,
		Generations:           c.Generations,
		MutationRate:          c.MutationRate,
		UseOSRM:               c.UseOSRM,
		OSRMURL:               c.OSRMURL,
		OSRMTimeout:           c.OSRMTimeout,
		OSRMRequestsPerSecond: c.OSRMRequestsPerSecond,
		OSRMRetries:           c.OSRMRetries,
		Workers:               c.SolverWorkers,
		SpeedKmh:              c.AvgSpeedKmh,
		UnservedPenalty:       c.UnservedPenalty,
		SeedIterationCap:      c.SeedIterationCap,
	}
}

// AuthOptions configures the API bearer token check. Secrets only come from the environment.
func (c *Config) AuthOptions() auth.Options {
	return auth.Options{Mode: c.AuthMode, HMACSecret: c.AuthHMACSecret, JWKSURL: c.AuthJWKSURL}
}

func (c *Config) OSRMOptions() routing.OSRMOptions {
	return routing.OSRMOptions{
		BaseURL:           c.OSRMURL,
		Timeout:           c.OSRMTimeout,
		RequestsPerSecond: c.OSRMRequestsPerSecond,
		Retries:           c.OSRMRetries,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	return parseLevel(os.Getenv(key), defaultVal)
}

func parseLevel(v string, defaultVal slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}
