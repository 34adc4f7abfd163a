package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "crm"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Feed.Transport != "redis" {
		t.Fatalf("expected redis feed default, got %q", c.Feed.Transport)
	}
	if c.Recording.PollInterval != 3*time.Second || c.Recording.MaxAttempts != 8 ||
		c.Recording.Deadline != 30*time.Second || c.Recording.GraceDelay != 5*time.Second {
		t.Fatalf("unexpected recording defaults: %+v", c.Recording)
	}
	if c.Auth.VoiceTokenTTL != time.Hour {
		t.Fatalf("expected 1h voice token ttl, got %s", c.Auth.VoiceTokenTTL)
	}
}

func TestValidate_MQTTRequiresBroker(t *testing.T) {
	c := validLocal()
	c.Feed.Transport = "mqtt"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "FEED_MQTT_BROKER") {
		t.Fatalf("expected broker error, got %v", err)
	}

	c = validLocal()
	c.Feed.Transport = "nats"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected unknown transport error")
	}
}

func TestValidate_SignatureNeedsAuthToken(t *testing.T) {
	c := validLocal()
	c.Twilio.ValidateSignature = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected auth token error")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "crm")
	t.Setenv("DB_NAME", "crm")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("RECORDING_MAX_ATTEMPTS", "4")
	t.Setenv("RECORDING_POLL_INTERVAL", "1s")
	t.Setenv("TWILIO_NUMBER_WORKSPACES", "+15550100=ws1, +15550101=ws2")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Recording.MaxAttempts != 4 || c.Recording.PollInterval != time.Second {
		t.Fatalf("unexpected recording config: %+v", c.Recording)
	}
	if c.Twilio.NumberWorkspaces["+15550101"] != "ws2" {
		t.Fatalf("unexpected number map: %v", c.Twilio.NumberWorkspaces)
	}
	if c.RedisAddr() != "redis:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestParseNumberMap_RejectsMalformed(t *testing.T) {
	if _, err := parseNumberMap("+15550100"); err == nil {
		t.Fatalf("expected error")
	}
	m, err := parseNumberMap("")
	if err != nil || len(m) != 0 {
		t.Fatalf("expected empty map, got %v %v", m, err)
	}
}
