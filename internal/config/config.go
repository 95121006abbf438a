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
)

type Config struct {
	FeedURL          string        `validate:"required,url"`
	ReconnectDelay   time.Duration `validate:"gt=0"`
	HandshakeTimeout time.Duration `validate:"gt=0"`

	TeleportThreshold float64       `validate:"gt=0"`
	Transition        time.Duration `validate:"gt=0"`
	EvictProbability  float64       `validate:"gte=0,lte=1"`
	UPSWindow         time.Duration `validate:"gt=0"`

	HTTPAddr      string
	StatsInterval time.Duration `validate:"gte=0"`
	LogFrames     bool

	DatabaseURL string
	City        string

	NATSURL         string `validate:"omitempty,url"`
	NATSPrefix      string
	LogNATSSubjects bool
}

func defaults() *Config {
	return &Config{
		FeedURL:           "ws://localhost:8000",
		ReconnectDelay:    2 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		TeleportThreshold: 0.05,
		Transition:        time.Second,
		EvictProbability:  0.15,
		UPSWindow:         time.Second,
		HTTPAddr:          ":9103",
		StatsInterval:     10 * time.Second,
		NATSPrefix:        "livebus",
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by LIVEBUS_CONFIG, and the environment (after loading .env). Environment
// values win over the file.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("LIVEBUS_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return f.apply(cfg)
}

// fileConfig is the YAML layout. Durations are integers in the unit named
// by the key.
type fileConfig struct {
	FeedURL            *string  `yaml:"feedURL"`
	ReconnectDelayMS   *int     `yaml:"reconnectDelayMS"`
	HandshakeTimeoutMS *int     `yaml:"handshakeTimeoutMS"`
	TeleportThreshold  *float64 `yaml:"teleportThreshold"`
	TransitionMS       *int     `yaml:"transitionMS"`
	EvictProbability   *float64 `yaml:"evictProbability"`
	UPSWindowMS        *int     `yaml:"upsWindowMS"`
	HTTPAddr           *string  `yaml:"httpAddr"`
	StatsIntervalSec   *int     `yaml:"statsIntervalSec"`
	LogFrames          *bool    `yaml:"logFrames"`
	DatabaseURL        *string  `yaml:"databaseURL"`
	City               *string  `yaml:"city"`
	NATSURL            *string  `yaml:"natsURL"`
	NATSPrefix         *string  `yaml:"natsPrefix"`
	LogNATSSubjects    *bool    `yaml:"logNATSSubjects"`
}

func (f fileConfig) apply(cfg *Config) error {
	setString(&cfg.FeedURL, f.FeedURL)
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.DatabaseURL, f.DatabaseURL)
	setString(&cfg.City, f.City)
	setString(&cfg.NATSURL, f.NATSURL)
	setString(&cfg.NATSPrefix, f.NATSPrefix)
	if f.TeleportThreshold != nil {
		cfg.TeleportThreshold = *f.TeleportThreshold
	}
	if f.EvictProbability != nil {
		cfg.EvictProbability = *f.EvictProbability
	}
	if f.LogFrames != nil {
		cfg.LogFrames = *f.LogFrames
	}
	if f.LogNATSSubjects != nil {
		cfg.LogNATSSubjects = *f.LogNATSSubjects
	}
	for _, d := range []struct {
		v    *int
		dst  *time.Duration
		unit time.Duration
		name string
	}{
		{f.ReconnectDelayMS, &cfg.ReconnectDelay, time.Millisecond, "reconnectDelayMS"},
		{f.HandshakeTimeoutMS, &cfg.HandshakeTimeout, time.Millisecond, "handshakeTimeoutMS"},
		{f.TransitionMS, &cfg.Transition, time.Millisecond, "transitionMS"},
		{f.UPSWindowMS, &cfg.UPSWindow, time.Millisecond, "upsWindowMS"},
		{f.StatsIntervalSec, &cfg.StatsInterval, time.Second, "statsIntervalSec"},
	} {
		if d.v == nil {
			continue
		}
		if *d.v < 0 {
			return fmt.Errorf("invalid %s: %d", d.name, *d.v)
		}
		*d.dst = time.Duration(*d.v) * d.unit
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.FeedURL = v
	}

	// Durations
	if err := envDuration("RECONNECT_DELAY_MS", time.Millisecond, true, &cfg.ReconnectDelay); err != nil {
		return err
	}
	if err := envDuration("HANDSHAKE_TIMEOUT_MS", time.Millisecond, true, &cfg.HandshakeTimeout); err != nil {
		return err
	}
	if err := envDuration("TRANSITION_MS", time.Millisecond, true, &cfg.Transition); err != nil {
		return err
	}
	if err := envDuration("UPS_WINDOW_MS", time.Millisecond, true, &cfg.UPSWindow); err != nil {
		return err
	}
	if err := envDuration("STATS_INTERVAL_SEC", time.Second, false, &cfg.StatsInterval); err != nil {
		return err
	}

	// Motion and eviction policy
	if v := os.Getenv("TELEPORT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid TELEPORT_THRESHOLD: %q", v)
		}
		cfg.TeleportThreshold = f
	}
	if v := os.Getenv("EVICT_PROBABILITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("invalid EVICT_PROBABILITY: %q", v)
		}
		cfg.EvictProbability = f
	}

	// HTTP listen address (e.g., ":9103"). "off" disables the server.
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		if strings.EqualFold(strings.TrimSpace(v), "off") {
			v = ""
		}
		cfg.HTTPAddr = v
	}
	cfg.LogFrames = envBool("LOG_FRAMES", cfg.LogFrames)

	// Route catalog database: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		cfg.DatabaseURL = dsn
	} else if os.Getenv("PGHOST") != "" || os.Getenv("PGDATABASE") != "" {
		dsn, err := dsnFromPG()
		if err != nil {
			return err
		}
		cfg.DatabaseURL = dsn
	}
	if city := firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")); city != "" {
		cfg.City = city
	}

	// NATS snapshot mirror
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("NATS_SUBJECT_PREFIX"); v != "" {
		cfg.NATSPrefix = v
	}
	cfg.LogNATSSubjects = envBool("LOG_NATS_SUBJECTS", cfg.LogNATSSubjects)
	return nil
}

func dsnFromPG() (string, error) {
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// With CITY the catalog starts from the cluster's meta database.
	if db == "" && os.Getenv("CITY") != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func envDuration(key string, unit time.Duration, positive bool, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (positive && n == 0) {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
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
