package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const defaultEndpoint = "http://localhost:8000/webhook"

// useProfile marks an integer setting left to the active profile.
const useProfile = -1

// Config holds the feeder configuration.
type Config struct {
	Endpoint         string        `validate:"omitempty,url"`
	APIKey           string        `validate:"required_if=RequireAPIKey true"`
	Profile          Profile       `validate:"-"`
	RequireAPIKey    bool          `validate:"-"`
	SleepMin         int           `validate:"min=1"`
	SleepMax         int           `validate:"gtefield=SleepMin"`
	InvalidThreshold int           `validate:"min=0"`
	Timeout          time.Duration `validate:"gt=0"`
	Seed             uint64
	KafkaBrokers     string
	KafkaTopic       string `validate:"required_with=KafkaBrokers"`
	MetricsAddr      string `validate:"omitempty,hostname_port"`
	LogLevel         slog.Level
	TotalTime        time.Duration `validate:"min=0"`
	MaxEvents        int64         `validate:"min=0"`
	MonitorPID       int           `validate:"min=0"`
	MonitorProcess   string
	MonitorInterval  time.Duration `validate:"gt=0"`
}

// loadDotenv loads a .env file from the working directory if there is one.
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// parseConfig builds a Config from the environment, overridden by args.
// Profile values fill in sleep bounds and threshold unless set explicitly.
func parseConfig(args []string) (*Config, error) {
	fset := flag.NewFlagSet("feeder", flag.ContinueOnError)
	env := &envReader{}

	endpoint := fset.String("endpoint", getString("WEBHOOK_URL", defaultEndpoint), "Webhook URL to POST events to (empty disables HTTP delivery)")
	apiKey := fset.String("api-key", getString("API_KEY", ""), "Shared secret sent in the "+APIKeyHeader+" header")
	profileName := fset.String("profile", getString("FEEDER_PROFILE", "authenticated"), "Deployment profile: "+strings.Join(ProfileNames(), ", "))
	sleepMin := fset.Int("sleep-min", env.Int("SLEEP_MIN", useProfile), "Minimum sleep between events in seconds (-1 means profile default)")
	sleepMax := fset.Int("sleep-max", env.Int("SLEEP_MAX", useProfile), "Maximum sleep between events in seconds (-1 means profile default)")
	threshold := fset.Int("invalid-threshold", env.Int("INVALID_THRESHOLD", useProfile), "Sleep in seconds at or above which an invalid event is sent (0 disables, -1 means profile default)")
	timeout := fset.Duration("timeout", env.Duration("HTTP_TIMEOUT", 5*time.Second), "Delivery timeout")
	seed := fset.Uint64("seed", env.Uint64("FEEDER_SEED", 0), "Random seed (0 means system entropy)")
	kafkaBrokers := fset.String("kafka-brokers", getString("KAFKA_BROKERS", ""), "Comma-separated Kafka brokers (empty disables Kafka delivery)")
	kafkaTopic := fset.String("kafka-topic", getString("KAFKA_TOPIC", "events"), "Kafka topic to produce to")
	metricsAddr := fset.String("metrics-addr", getString("METRICS_ADDR", ""), "Address to serve Prometheus metrics on (empty disables)")
	logLevel := fset.String("log-level", getString("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	totalTime := fset.Duration("total-time", 0, "Total time to run (0 means forever)")
	maxEvents := fset.Int64("max-events", 0, "Number of events to generate (0 means unlimited)")
	monitorPID := fset.Int("monitor-pid", 0, "PID of the consumer process to monitor (0 means disabled)")
	monitorProcess := fset.String("monitor-process", "", "Name of the consumer process to monitor")
	monitorInterval := fset.Duration("monitor-interval", 5*time.Second, "Interval for consumer process stats")

	if err := env.Err(); err != nil {
		return nil, err
	}
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	profile, err := LookupProfile(*profileName)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cfg := &Config{
		Endpoint:         strings.TrimSpace(*endpoint),
		APIKey:           *apiKey,
		Profile:          profile,
		RequireAPIKey:    profile.RequireAPIKey,
		SleepMin:         orProfile(*sleepMin, profile.SleepMin),
		SleepMax:         orProfile(*sleepMax, profile.SleepMax),
		InvalidThreshold: orProfile(*threshold, profile.InvalidThreshold),
		Timeout:          *timeout,
		Seed:             *seed,
		KafkaBrokers:     *kafkaBrokers,
		KafkaTopic:       *kafkaTopic,
		MetricsAddr:      *metricsAddr,
		LogLevel:         level,
		TotalTime:        *totalTime,
		MaxEvents:        *maxEvents,
		MonitorPID:       *monitorPID,
		MonitorProcess:   *monitorProcess,
		MonitorInterval:  *monitorInterval,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// APIKeyForSinks returns the key to send, or empty when the profile does
// not authenticate.
func (c *Config) APIKeyForSinks() string {
	if !c.RequireAPIKey {
		return ""
	}
	return c.APIKey
}

// orProfile keeps v unless it is the useProfile sentinel. Other negative
// values pass through so validation rejects them.
func orProfile(v, def int) int {
	if v == useProfile {
		return def
	}
	return v
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envReader parses typed environment values, collecting malformed ones
// instead of silently falling back to defaults.
type envReader struct {
	errs []error
}

func (e *envReader) Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *envReader) Uint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an unsigned integer", key, v))
		return def
	}
	return n
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

// Err reports every malformed value read so far.
func (e *envReader) Err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
}
