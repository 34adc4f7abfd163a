package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Feed      FeedConfig
	Recording RecordingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration

	// VoiceTokenTTL bounds the device credential lifetime.
	VoiceTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// Region and Edge pin REST calls to a Twilio region (e.g. ie1, dublin).
	Region string
	Edge   string

	// WebhookURL is the public URL Twilio signs; empty derives it from the request.
	WebhookURL string
	// ValidateSignature turns on X-Twilio-Signature checks.
	ValidateSignature bool

	// NumberWorkspaces maps a dialed number to its workspace,
	// from TWILIO_NUMBER_WORKSPACES="+15550100=ws1,+15550101=ws2".
	NumberWorkspaces map[string]string
	Greeting         string
}

// FeedConfig selects the change-feed transport.
type FeedConfig struct {
	Transport string // redis | mqtt

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
}

type RecordingConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	Deadline     time.Duration
	GraceDelay   time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.VoiceTokenTTL = mustDuration("VOICE_TOKEN_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.Region = strings.TrimSpace(os.Getenv("TWILIO_REGION"))
	c.Twilio.Edge = strings.TrimSpace(os.Getenv("TWILIO_EDGE"))
	c.Twilio.WebhookURL = strings.TrimSpace(os.Getenv("TWILIO_WEBHOOK_URL"))
	c.Twilio.ValidateSignature = strings.EqualFold(strings.TrimSpace(os.Getenv("TWILIO_VALIDATE_SIGNATURE")), "true")
	c.Twilio.Greeting = strings.TrimSpace(os.Getenv("TWILIO_GREETING"))
	{
		m, err := parseNumberMap(os.Getenv("TWILIO_NUMBER_WORKSPACES"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Twilio.NumberWorkspaces = m
	}

	c.Feed.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("FEED_TRANSPORT")))
	c.Feed.MQTTBroker = strings.TrimSpace(os.Getenv("FEED_MQTT_BROKER"))
	c.Feed.MQTTClientID = strings.TrimSpace(os.Getenv("FEED_MQTT_CLIENT_ID"))
	c.Feed.MQTTUsername = strings.TrimSpace(os.Getenv("FEED_MQTT_USERNAME"))
	c.Feed.MQTTPassword = os.Getenv("FEED_MQTT_PASSWORD")
	c.Feed.MQTTTopicPrefix = strings.TrimSpace(os.Getenv("FEED_MQTT_TOPIC_PREFIX"))

	c.Recording.PollInterval = mustDuration("RECORDING_POLL_INTERVAL")
	c.Recording.Deadline = mustDuration("RECORDING_DEADLINE")
	c.Recording.GraceDelay = mustDuration("RECORDING_GRACE_DELAY")
	if v := strings.TrimSpace(os.Getenv("RECORDING_MAX_ATTEMPTS")); v != "" {
		n, err := mustInt("RECORDING_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Recording.MaxAttempts = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.VoiceTokenTTL <= 0 {
		c.Auth.VoiceTokenTTL = time.Hour
	}

	if c.IsProduction() {
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if !c.Twilio.ValidateSignature {
			errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURE must be true in production"))
		}
	}
	if c.Twilio.ValidateSignature && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required for signature validation"))
	}

	switch c.Feed.Transport {
	case "":
		c.Feed.Transport = "redis"
	case "redis":
	case "mqtt":
		if c.Feed.MQTTBroker == "" {
			errs = append(errs, errors.New("FEED_MQTT_BROKER is required when FEED_TRANSPORT=mqtt"))
		}
		if c.Feed.MQTTClientID == "" {
			c.Feed.MQTTClientID = "crm-voice-api"
		}
	default:
		errs = append(errs, fmt.Errorf("FEED_TRANSPORT must be one of redis, mqtt, got %q", c.Feed.Transport))
	}

	if c.Recording.PollInterval <= 0 {
		c.Recording.PollInterval = 3 * time.Second
	}
	if c.Recording.MaxAttempts <= 0 {
		c.Recording.MaxAttempts = 8
	}
	if c.Recording.Deadline <= 0 {
		c.Recording.Deadline = 30 * time.Second
	}
	if c.Recording.GraceDelay <= 0 {
		c.Recording.GraceDelay = 5 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// parseNumberMap reads "number=workspace" pairs separated by commas.
func parseNumberMap(v string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		number, ws, ok := strings.Cut(pair, "=")
		number, ws = strings.TrimSpace(number), strings.TrimSpace(ws)
		if !ok || number == "" || ws == "" {
			return out, fmt.Errorf("TWILIO_NUMBER_WORKSPACES entry must be number=workspace, got %q", pair)
		}
		out[number] = ws
	}
	return out, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
