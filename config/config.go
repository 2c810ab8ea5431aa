// Package config loads the server configuration from command-line flags
// whose defaults come from LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Store    StoreConfig
	Auth     AuthConfig
	Log      LogConfig
	Requests RequestsConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Driver     string // memory|sqlite|postgres|kv
	DSN        string
	Timeout    time.Duration
	MaxRetries uint64
}

type AuthConfig struct {
	Secret     string
	SessionTTL time.Duration
	BcryptCost int

	// AdminEmail, when set, is registered as an active admin at startup.
	AdminEmail string
	AdminPIN   string
}

type LogConfig struct {
	Level   string
	Console bool
}

// RequestsConfig controls the pending request expiry sweep.
type RequestsConfig struct {
	PendingTTL    time.Duration
	SweepInterval time.Duration
}

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultDriver          = "sqlite"
	defaultDSN             = "./data/ledger.db"
	defaultStoreTimeout    = 5 * time.Second
	defaultMaxRetries      = 3
	defaultSessionTTL      = 24 * time.Hour
	defaultBcryptCost      = 10
	defaultLogLevel        = "info"
	defaultPendingTTL      = 24 * time.Hour
	defaultSweepInterval   = 10 * time.Minute
)

var drivers = []string{"memory", "sqlite", "postgres", "kv"}

// Load parses args (without the program name). Malformed environment
// values and invalid settings are reported together.
func Load(args []string) (Config, error) {
	var (
		cfg  Config
		errs error
		env  = envReader{errs: &errs}
	)

	flags := pflag.NewFlagSet("mfc-ledger", pflag.ContinueOnError)

	flags.StringVarP(&cfg.HTTP.Addr, "addr", "a", env.getString("LEDGER_ADDR", defaultAddr), "HTTP listen address")
	flags.DurationVar(&cfg.HTTP.ReadTimeout, "read-timeout", env.getDuration("LEDGER_READ_TIMEOUT", defaultReadTimeout), "HTTP read timeout")
	flags.DurationVar(&cfg.HTTP.WriteTimeout, "write-timeout", env.getDuration("LEDGER_WRITE_TIMEOUT", defaultWriteTimeout), "HTTP write timeout")
	flags.DurationVar(&cfg.HTTP.IdleTimeout, "idle-timeout", env.getDuration("LEDGER_IDLE_TIMEOUT", defaultIdleTimeout), "HTTP idle timeout")
	flags.DurationVar(&cfg.HTTP.ShutdownTimeout, "shutdown-timeout", env.getDuration("LEDGER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout), "graceful shutdown timeout")
	flags.StringSliceVar(&cfg.HTTP.AllowedOrigins, "allowed-origins", env.getList("LEDGER_ALLOWED_ORIGINS", []string{"*"}), "CORS allowed origins")

	flags.StringVarP(&cfg.Store.Driver, "store", "s", env.getString("LEDGER_STORE", defaultDriver), "store driver: "+strings.Join(drivers, "|"))
	flags.StringVarP(&cfg.Store.DSN, "dsn", "d", env.getString("LEDGER_DSN", defaultDSN), "sqlite path, postgres DSN or badger directory")
	flags.DurationVar(&cfg.Store.Timeout, "store-timeout", env.getDuration("LEDGER_STORE_TIMEOUT", defaultStoreTimeout), "timeout for each store call")
	flags.Uint64Var(&cfg.Store.MaxRetries, "store-retries", env.getUint("LEDGER_STORE_RETRIES", defaultMaxRetries), "retries for transient store failures")

	flags.StringVar(&cfg.Auth.Secret, "secret", env.getString("LEDGER_SECRET", ""), "session signing secret")
	flags.DurationVar(&cfg.Auth.SessionTTL, "session-ttl", env.getDuration("LEDGER_SESSION_TTL", defaultSessionTTL), "session lifetime")
	flags.IntVar(&cfg.Auth.BcryptCost, "bcrypt-cost", int(env.getUint("LEDGER_BCRYPT_COST", defaultBcryptCost)), "bcrypt cost for PIN hashes")
	flags.StringVar(&cfg.Auth.AdminEmail, "admin-email", env.getString("LEDGER_ADMIN_EMAIL", ""), "bootstrap admin account")
	flags.StringVar(&cfg.Auth.AdminPIN, "admin-pin", env.getString("LEDGER_ADMIN_PIN", ""), "bootstrap admin PIN")

	flags.StringVarP(&cfg.Log.Level, "level", "l", env.getString("LEDGER_LOG_LEVEL", defaultLogLevel), "log level")
	flags.BoolVar(&cfg.Log.Console, "console", env.getBool("LEDGER_LOG_CONSOLE", false), "human-readable console logs")

	flags.DurationVar(&cfg.Requests.PendingTTL, "pending-ttl", env.getDuration("LEDGER_PENDING_TTL", defaultPendingTTL), "age after which pending cash requests expire")
	flags.DurationVar(&cfg.Requests.SweepInterval, "sweep-interval", env.getDuration("LEDGER_SWEEP_INTERVAL", defaultSweepInterval), "expiry sweep interval, 0 disables")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if errs != nil {
		return Config{}, errs
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting and returns all problems at once.
func (c Config) Validate() error {
	var errs error

	if c.HTTP.Addr == "" {
		errs = multierror.Append(errs, errors.New("addr is empty"))
	}
	if !contains(drivers, c.Store.Driver) {
		errs = multierror.Append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "kv" && c.Store.DSN == "" {
		errs = multierror.Append(errs, fmt.Errorf("store %q needs a dsn", c.Store.Driver))
	}
	if c.Store.Timeout < 0 {
		errs = multierror.Append(errs, errors.New("store timeout must not be negative"))
	}
	if c.Auth.Secret == "" {
		errs = multierror.Append(errs, errors.New("session secret is required (LEDGER_SECRET)"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = multierror.Append(errs, errors.New("session ttl must be positive"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = multierror.Append(errs, fmt.Errorf("bcrypt cost %d is out of range", c.Auth.BcryptCost))
	}
	if c.Auth.AdminEmail != "" && c.Auth.AdminPIN == "" {
		errs = multierror.Append(errs, errors.New("admin email is set without an admin pin"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.Requests.PendingTTL <= 0 {
		errs = multierror.Append(errs, errors.New("pending ttl must be positive"))
	}
	if c.Requests.SweepInterval < 0 {
		errs = multierror.Append(errs, errors.New("sweep interval must not be negative"))
	}

	return errs
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// envReader reads typed defaults from the environment and records parse
// failures instead of silently falling back.
type envReader struct {
	errs *error
}

func (e envReader) fail(key, value string, err error) {
	*e.errs = multierror.Append(*e.errs, fmt.Errorf("invalid %s value %q: %w", key, value, err))
}

func (e envReader) getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e envReader) getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e envReader) getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return d
}

func (e envReader) getUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return n
}

func (e envReader) getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return b
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
