package config

import (
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func validBase() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		PBX: PBXConfig{
			BaseURL:           "https://pbx.example.com",
			AdminClientID:     "admin",
			AdminClientSecret: "s3cret",
		},
		CRM: CRMConfig{BaseURL: "https://crm.example.com"},
	}
}

func TestValidate_AppliesDialerDefaults(t *testing.T) {
	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Dialer.ReplenishFactor != 2 {
		t.Fatalf("expected replenish factor default 2, got %d", c.Dialer.ReplenishFactor)
	}
	if c.Dialer.MinTokenRefreshInterval != 30*time.Minute {
		t.Fatalf("expected 30m min refresh interval, got %v", c.Dialer.MinTokenRefreshInterval)
	}
	if c.Dialer.AvailabilityPollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %v", c.Dialer.AvailabilityPollInterval)
	}
	if c.Dialer.AvailabilityTokenRefreshInterval != 30*time.Minute {
		t.Fatalf("expected 30m tracker refresh interval, got %v", c.Dialer.AvailabilityTokenRefreshInterval)
	}
}

func TestValidate_RejectsNonHTTPPBXBase(t *testing.T) {
	c := validBase()
	c.PBX.BaseURL = "pbx.example.com"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for non-http PBX base URL")
	}
}

func TestPBXWebSocketURL_DerivedFromBase(t *testing.T) {
	c := validBase()
	got := c.PBXWebSocketURL()
	want := "wss://pbx.example.com/callcontrol/ws"
	if got != want {
		t.Fatalf("derived ws url = %q, want %q", got, want)
	}
}

func TestPBXWebSocketURL_ExplicitWins(t *testing.T) {
	c := validBase()
	c.PBX.WebSocketURL = "wss://other.example.com/events"
	if got := c.PBXWebSocketURL(); got != "wss://other.example.com/events" {
		t.Fatalf("explicit ws url not honored, got %q", got)
	}
}
