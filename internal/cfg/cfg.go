package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL        string
	DBMaxConns         int
	SlowQueryMillis    int
	MigrateLegacyLists bool

	EncryptionKey string
	JWTSecret     string
	InternalToken string

	DispatchURL            string
	DispatchAPIKey         string
	DispatchTimeoutSeconds int

	TwilioBaseURL        string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	NotifyTimeoutSeconds int

	SlackWebhookURL string
	RedisURL        string
	RedisStream     string

	MQTTBroker          string
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	MQTTTopicPrefix     string
	FallMinConfidence   float64
	FallCooldownSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..200)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 100, "log successful queries slower than this many milliseconds (0 = log all)")
	fs.BoolVar(&c.MigrateLegacyLists, "migrate-legacy-lists", false, "rewrite legacy condition/allergy encodings as canonical lists at startup")

	fs.StringVar(&c.EncryptionKey, "encryption-key", "", "secret the health field encryption key is derived from")
	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 secret used to verify subject bearer tokens")
	fs.StringVar(&c.InternalToken, "internal-token", "", "bearer token for the internal trigger API (empty = disabled)")

	fs.StringVar(&c.DispatchURL, "dispatch-url", "", "responder dispatch gateway endpoint")
	fs.StringVar(&c.DispatchAPIKey, "dispatch-api-key", "", "responder dispatch gateway API key (empty = stub dispatch)")
	fs.IntVar(&c.DispatchTimeoutSeconds, "dispatch-timeout-seconds", 10, "timeout for one dispatch request (1..60)")

	fs.StringVar(&c.TwilioBaseURL, "twilio-base-url", "https://api.twilio.com", "Twilio REST base URL")
	fs.StringVar(&c.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID (empty = SMS stub)")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&c.TwilioFromNumber, "twilio-from-number", "", "Twilio sender phone number")
	fs.IntVar(&c.NotifyTimeoutSeconds, "notify-timeout-seconds", 10, "timeout for one contact notification (1..60)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "care desk Slack webhook URL for alert events")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the alert event stream (empty = disabled)")
	fs.StringVar(&c.RedisStream, "redis-stream", "sosd:alerts", "Redis stream key for alert events")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker for fall detector events, e.g. tcp://broker:1883 (empty = disabled)")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "sosd", "MQTT client id")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", "", "MQTT password")
	fs.StringVar(&c.MQTTTopicPrefix, "mqtt-topic-prefix", "sosd/devices", "topic prefix; events arrive on <prefix>/<subject_id>/fall")
	fs.Float64Var(&c.FallMinConfidence, "fall-min-confidence", 0, "drop fall events reporting a lower confidence (0..1)")
	fs.IntVar(&c.FallCooldownSeconds, "fall-cooldown-seconds", 60, "ignore repeat fall events for a subject within this window (0..3600)")
}

// DispatchTimeout is DispatchTimeoutSeconds as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// NotifyTimeout is NotifyTimeoutSeconds as a duration.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// SlowQuery is SlowQueryMillis as a duration.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMillis) * time.Millisecond
}

// FallCooldown is FallCooldownSeconds as a duration.
func (c *Config) FallCooldown() time.Duration {
	return time.Duration(c.FallCooldownSeconds) * time.Second
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns <= 0 || c.DBMaxConns > 200 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..200)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	if c.MigrateLegacyLists && c.DatabaseURL == "" {
		errs = append(errs, errors.New("MIGRATE_LEGACY_LISTS requires DATABASE_URL"))
	}

	// Secrets
	if len(c.EncryptionKey) < 16 {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required (at least 16 characters)"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET is required (at least 32 characters)"))
	}

	// Dispatch gateway: stub without a key, endpoint required with one
	if c.DispatchAPIKey != "" {
		if err := checkURL(c.DispatchURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid DISPATCH_URL: %w", err))
		}
	}
	if c.DispatchTimeoutSeconds <= 0 || c.DispatchTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEOUT_SECONDS %d (must be 1..60)", c.DispatchTimeoutSeconds))
	}

	// SMS provider: stub without a SID, all credentials required with one
	if c.TwilioAccountSID != "" {
		if c.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required when TWILIO_ACCOUNT_SID is set"))
		}
		if c.TwilioFromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required when TWILIO_ACCOUNT_SID is set"))
		}
		if err := checkURL(c.TwilioBaseURL, "https", "http"); err != nil {
			errs = append(errs, fmt.Errorf("invalid TWILIO_BASE_URL: %w", err))
		}
	}
	if c.NotifyTimeoutSeconds <= 0 || c.NotifyTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TIMEOUT_SECONDS %d (must be 1..60)", c.NotifyTimeoutSeconds))
	}

	// Optional event sinks
	if c.SlackWebhookURL != "" {
		if err := checkURL(c.SlackWebhookURL, "https", "http"); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}
	if c.RedisURL != "" {
		if err := checkURL(c.RedisURL, "redis", "rediss"); err != nil {
			errs = append(errs, fmt.Errorf("invalid REDIS_URL: %w", err))
		}
		if c.RedisStream == "" {
			errs = append(errs, errors.New("REDIS_STREAM is required when REDIS_URL is set"))
		}
	}

	// Fall detector ingest
	if c.MQTTBroker != "" {
		if err := checkURL(c.MQTTBroker, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"); err != nil {
			errs = append(errs, fmt.Errorf("invalid MQTT_BROKER: %w", err))
		}
		if c.MQTTClientID == "" {
			errs = append(errs, errors.New("MQTT_CLIENT_ID is required when MQTT_BROKER is set"))
		}
		if c.MQTTTopicPrefix == "" {
			errs = append(errs, errors.New("MQTT_TOPIC_PREFIX is required when MQTT_BROKER is set"))
		}
	}
	if !(c.FallMinConfidence >= 0 && c.FallMinConfidence <= 1) {
		errs = append(errs, fmt.Errorf("invalid FALL_MIN_CONFIDENCE %g (must be 0..1)", c.FallMinConfidence))
	}
	if c.FallCooldownSeconds < 0 || c.FallCooldownSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid FALL_COOLDOWN_SECONDS %d (must be 0..3600)", c.FallCooldownSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}
