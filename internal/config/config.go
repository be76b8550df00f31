package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fleet-tracker/internal/fleet"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string `validate:"required"`
	MetricsAddr string

	NATSURL              string
	NATSPositionsSubject string `validate:"required"`
	NATSFleetPrefix      string `validate:"required"`
	LogNATSSubjects      bool

	RedisAddr string
	LogLevel  string `validate:"oneof=trace debug info warn warning error"`
	LogFormat string `validate:"oneof=text json"`

	StaleAfter       time.Duration `validate:"gt=0s"`
	SweepInterval    time.Duration `validate:"gt=0s"`
	OrderPolicy      fleet.OrderPolicy
	OnRouteThreshold float64       `validate:"gt=0"`
	FutureSkew       time.Duration `validate:"gte=0s"`

	ETABatchInterval      time.Duration `validate:"gt=0s"`
	ETAProviderTimeout    time.Duration `validate:"gt=0s"`
	ETAProviderRatePerMin int           `validate:"gte=0"`
	ETAMaxBatch           int           `validate:"gte=0"`
	RoutingProvider       string        `validate:"oneof=none ors google"`
	ORSAPIKey             string        `validate:"required_if=RoutingProvider ors"`
	GoogleMapsAPIKey      string        `validate:"required_if=RoutingProvider google"`

	RoutesRefreshInterval time.Duration `validate:"gt=0s"`
	GTFSRTURL             string        `validate:"omitempty,url"`
	GTFSRTPollInterval    time.Duration `validate:"gt=0s"`

	PublishInterval time.Duration `validate:"gt=0s"`
	SpeedMultiplier float64       `validate:"gt=0"`
	SimIngestURL    string        `validate:"omitempty,url"`
}

// Policy is the optional POLICY_FILE overlay. Absent keys keep the
// environment value.
type Policy struct {
	StaleAfter         *time.Duration `yaml:"stale_after"`
	SweepInterval      *time.Duration `yaml:"sweep_interval"`
	OrderPolicy        *string        `yaml:"order_policy"`
	OnRouteThresholdM  *float64       `yaml:"on_route_threshold_m"`
	FutureSkew         *time.Duration `yaml:"future_skew"`
	ETABatchInterval   *time.Duration `yaml:"eta_batch_interval"`
	ETAProviderTimeout *time.Duration `yaml:"eta_provider_timeout"`
	ETAMaxBatch        *int           `yaml:"eta_max_batch"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// Without either the tracker runs with an empty route registry.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSPositionsSubject = getenvDefault("NATS_POSITIONS_SUBJECT", "positions.*")
	cfg.NATSFleetPrefix = getenvDefault("NATS_FLEET_PREFIX", "fleet")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))

	var err error
	if cfg.StaleAfter, err = envDuration("STALE_AFTER_SEC", time.Second, 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL_SEC", time.Second, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.OrderPolicy, err = fleet.ParseOrderPolicy(os.Getenv("ORDER_POLICY")); err != nil {
		return nil, fmt.Errorf("invalid ORDER_POLICY: %w", err)
	}

	// On-route threshold (meters)
	if v := os.Getenv("ON_ROUTE_THRESHOLD_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid ON_ROUTE_THRESHOLD_M: %q", v)
		}
		cfg.OnRouteThreshold = f
	} else {
		cfg.OnRouteThreshold = 400
	}

	if cfg.FutureSkew, err = envDuration("FUTURE_SKEW_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ETABatchInterval, err = envDuration("ETA_BATCH_INTERVAL_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ETAProviderTimeout, err = envDuration("ETA_PROVIDER_TIMEOUT_MS", time.Millisecond, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ETAProviderRatePerMin, err = envInt("ETA_PROVIDER_RATE_PER_MIN", 30); err != nil {
		return nil, err
	}
	if cfg.ETAMaxBatch, err = envInt("ETA_MAX_BATCH", 0); err != nil {
		return nil, err
	}

	cfg.RoutingProvider = strings.ToLower(getenvDefault("ROUTING_PROVIDER", "none"))
	cfg.ORSAPIKey = os.Getenv("ORS_API_KEY")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")

	if cfg.RoutesRefreshInterval, err = envDuration("ROUTES_REFRESH_SEC", time.Second, 5*time.Minute); err != nil {
		return nil, err
	}
	cfg.GTFSRTURL = os.Getenv("GTFSRT_VEHICLE_POSITIONS_URL")
	if cfg.GTFSRTPollInterval, err = envDuration("GTFSRT_POLL_INTERVAL_SEC", time.Second, 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.PublishInterval, err = envDuration("PUBLISH_INTERVAL_MS", time.Millisecond, time.Second); err != nil {
		return nil, err
	}

	// Speed multiplier
	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}
	cfg.SimIngestURL = os.Getenv("SIM_INGEST_URL")

	if path := os.Getenv("POLICY_FILE"); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyPolicyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return c.ApplyPolicy(p)
}

func (c *Config) ApplyPolicy(p Policy) error {
	if p.StaleAfter != nil {
		c.StaleAfter = *p.StaleAfter
	}
	if p.SweepInterval != nil {
		c.SweepInterval = *p.SweepInterval
	}
	if p.OrderPolicy != nil {
		op, err := fleet.ParseOrderPolicy(*p.OrderPolicy)
		if err != nil {
			return fmt.Errorf("policy file: %w", err)
		}
		c.OrderPolicy = op
	}
	if p.OnRouteThresholdM != nil {
		c.OnRouteThreshold = *p.OnRouteThresholdM
	}
	if p.FutureSkew != nil {
		c.FutureSkew = *p.FutureSkew
	}
	if p.ETABatchInterval != nil {
		c.ETABatchInterval = *p.ETABatchInterval
	}
	if p.ETAProviderTimeout != nil {
		c.ETAProviderTimeout = *p.ETAProviderTimeout
	}
	if p.ETAMaxBatch != nil {
		c.ETAMaxBatch = *p.ETAMaxBatch
	}
	return nil
}

// envDuration reads an integer count of unit from key. Zero and negative
// values are rejected.
func envDuration(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
