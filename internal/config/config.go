package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is wrapped by Validate for fatal configuration gaps
var ErrMissingSetting = errors.New("missing required setting")

// Config holds all configuration for the poller and API services
type Config struct {
	// Database
	DBDriver    string
	DatabaseURL string

	// Scheduling
	PollInterval        time.Duration
	VerifyInterval      time.Duration
	AccuracyInterval    time.Duration
	MaintenanceInterval time.Duration
	RetentionDuration   time.Duration
	ThreadTTL           time.Duration
	GracePolls          int

	// Upstream
	LiveAlertsURL     string
	RSZURL            string
	MaintenanceURL    string
	MaintenanceRoutes []string
	GTFSAlertsURL     string
	SourceTimeout     time.Duration
	CourtesyDelay     time.Duration
	Timezone          string

	// Live updates and metrics
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	RedisAddr       string
	MetricsInterval time.Duration

	// API
	Port        string
	CORSOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Optional YAML overrides
	OverridesFile string
	Overrides     Overrides
}

// GraceWindow widens the grace period during an incident-response window
type GraceWindow struct {
	Start  time.Time `yaml:"start"`
	End    time.Time `yaml:"end"`
	Polls  int       `yaml:"polls"`
	Reason string    `yaml:"reason"`
}

// VerifierOptions tunes one verification target
type VerifierOptions struct {
	Disabled     bool  `yaml:"disabled"`
	ResolveStale *bool `yaml:"resolve_stale"`
}

// Overrides is the shape of the YAML override file
type Overrides struct {
	GraceWindows []GraceWindow              `yaml:"grace_windows"`
	Verifiers    map[string]VerifierOptions `yaml:"verifiers"`
}

// LoadEnvFiles loads .env then .env.local, the latter overriding. Missing
// files are ignored.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(dir + "/.env")
	_ = godotenv.Overload(dir + "/.env.local")
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// Database
		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", getEnv("SQLITE_DATABASE", "/data/incidents.db")),

		// Scheduling
		PollInterval:        time.Duration(getEnvInt("POLL_INTERVAL", 60)) * time.Second,
		VerifyInterval:      time.Duration(getEnvInt("VERIFY_INTERVAL", 600)) * time.Second,
		AccuracyInterval:    time.Duration(getEnvInt("ACCURACY_INTERVAL", 900)) * time.Second,
		MaintenanceInterval: time.Duration(getEnvInt("MAINTENANCE_INTERVAL", 21600)) * time.Second,
		RetentionDuration:   time.Duration(getEnvInt("RETENTION_HOURS", 168)) * time.Hour,
		ThreadTTL:           time.Duration(getEnvInt("THREAD_TTL_HOURS", 72)) * time.Hour,
		GracePolls:          getEnvInt("GRACE_POLLS", 2),

		// Upstream
		LiveAlertsURL:     getEnv("LIVE_ALERTS_URL", "https://alerts.ttc.ca/api/alerts/live-alerts"),
		RSZURL:            getEnv("RSZ_URL", "https://www.ttc.ca/riding-the-ttc/Updates/Reduced-Speed-Zones"),
		MaintenanceURL:    getEnv("MAINTENANCE_URL", "https://www.ttc.ca/sxa/search/results"),
		MaintenanceRoutes: getEnvList("MAINTENANCE_ROUTES", []string{"1", "2", "4", "5", "6"}),
		GTFSAlertsURL:     getEnv("GTFS_ALERTS_URL", ""),
		SourceTimeout:     time.Duration(getEnvInt("SOURCE_TIMEOUT", 15)) * time.Second,
		CourtesyDelay:     time.Duration(getEnvInt("COURTESY_DELAY_MS", 500)) * time.Millisecond,
		Timezone:          getEnv("TIMEZONE", "America/Toronto"),

		// Live updates and metrics
		KafkaBrokers:    getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "incident-events"),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "incidents-api"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		MetricsInterval: time.Duration(getEnvInt("METRICS_INTERVAL", 30)) * time.Second,

		// API
		Port:        getEnv("PORT", "8081"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		OverridesFile: getEnv("INCIDENT_CONFIG_FILE", ""),
	}
}

// LoadOverrides reads the YAML override file, if one is configured
func (c *Config) LoadOverrides() error {
	if c.OverridesFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.OverridesFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.OverridesFile, err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.OverridesFile, err)
	}
	for i, w := range o.GraceWindows {
		if w.Polls <= 0 {
			return fmt.Errorf("grace window %d: polls must be positive", i)
		}
		if !w.End.IsZero() && !w.End.After(w.Start) {
			return fmt.Errorf("grace window %d: end must be after start", i)
		}
	}
	c.Overrides = o
	return nil
}

// Validate reports the first setting without which nothing can run
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting)
	case c.DBDriver != "sqlite" && c.DBDriver != "postgres":
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	case c.LiveAlertsURL == "":
		return fmt.Errorf("%w: LIVE_ALERTS_URL", ErrMissingSetting)
	case c.GracePolls <= 0:
		return fmt.Errorf("GRACE_POLLS must be positive, got %d", c.GracePolls)
	}
	return nil
}

// Grace returns the grace period in polls at t: the widest override window
// containing t, or the configured default
func (c *Config) Grace(t time.Time) int {
	grace := c.GracePolls
	for _, w := range c.Overrides.GraceWindows {
		if t.Before(w.Start) || (!w.End.IsZero() && !t.Before(w.End)) {
			continue
		}
		if w.Polls > grace {
			grace = w.Polls
		}
	}
	return grace
}

// Verifier returns the options for a verification target
func (c *Config) Verifier(target string) VerifierOptions {
	return c.Overrides.Verifiers[target]
}

// Location returns the configured timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
