package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the dialer process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	Redis  RedisConfig
	PBX    PBXConfig
	CRM    CRMConfig
	Dialer DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type RedisConfig struct {
	Host string
	Port int
}

// PBXConfig covers the call-control API and its persistent event stream.
type PBXConfig struct {
	// BaseURL is the REST root, e.g. https://pbx.example.com
	BaseURL string

	// WebSocketURL is the call-control event stream endpoint.
	// If empty it is derived from BaseURL (ws scheme, /callcontrol/ws path).
	WebSocketURL string

	// AdminClientID/AdminClientSecret authorize the extension availability
	// poller, so campaign-scoped tokens are never needed for that check.
	AdminClientID     string
	AdminClientSecret string

	RequestTimeout time.Duration
}

type CRMConfig struct {
	BaseURL string
	APIKey  string

	RequestTimeout time.Duration
}

// DialerConfig exposes operational tuning knobs. The defaults encode
// operational experience, not protocol requirements, so they are
// deliberately overridable.
type DialerConfig struct {
	// ReplenishFactor: refill the dial queue when unclaimed entries drop
	// below extensionCount * ReplenishFactor.
	ReplenishFactor int

	// MinTokenRefreshInterval bounds refresh storms: even when a refresh is
	// judged necessary, skip it if one happened more recently than this.
	MinTokenRefreshInterval time.Duration

	// AvailabilityPollInterval is the busy-extension poll cadence.
	AvailabilityPollInterval time.Duration

	// AvailabilityTokenRefreshInterval is how often the availability
	// tracker renews its admin token, independent of the per-campaign
	// refresh throttle above.
	AvailabilityTokenRefreshInterval time.Duration

	// IdleCheckInterval is the dial-cycle safety-net timer.
	IdleCheckInterval time.Duration

	// CallSettleDelay covers PBX-side call-setup latency before a previous
	// call's outcome is reconciled.
	CallSettleDelay time.Duration

	// MaxCallsPerCampaign caps concurrent call placements per campaign.
	MaxCallsPerCampaign int
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

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.PBX.BaseURL = strings.TrimSpace(os.Getenv("PBX_BASE_URL"))
	c.PBX.WebSocketURL = strings.TrimSpace(os.Getenv("PBX_WS_URL"))
	c.PBX.AdminClientID = strings.TrimSpace(os.Getenv("PBX_ADMIN_CLIENT_ID"))
	c.PBX.AdminClientSecret = os.Getenv("PBX_ADMIN_CLIENT_SECRET")
	c.PBX.RequestTimeout = mustDuration("PBX_REQUEST_TIMEOUT")

	c.CRM.BaseURL = strings.TrimSpace(os.Getenv("CRM_BASE_URL"))
	c.CRM.APIKey = os.Getenv("CRM_API_KEY")
	c.CRM.RequestTimeout = mustDuration("CRM_REQUEST_TIMEOUT")

	c.Dialer.ReplenishFactor = optionalInt("DIALER_REPLENISH_FACTOR")
	c.Dialer.MinTokenRefreshInterval = mustDuration("DIALER_MIN_TOKEN_REFRESH_INTERVAL")
	c.Dialer.AvailabilityPollInterval = mustDuration("DIALER_AVAILABILITY_POLL_INTERVAL")
	c.Dialer.AvailabilityTokenRefreshInterval = mustDuration("DIALER_AVAILABILITY_TOKEN_REFRESH_INTERVAL")
	c.Dialer.IdleCheckInterval = mustDuration("DIALER_IDLE_CHECK_INTERVAL")
	c.Dialer.CallSettleDelay = mustDuration("DIALER_CALL_SETTLE_DELAY")
	c.Dialer.MaxCallsPerCampaign = optionalInt("DIALER_MAX_CALLS_PER_CAMPAIGN")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

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

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.PBX.BaseURL == "" {
		errs = append(errs, errors.New("PBX_BASE_URL is required"))
	} else if !strings.HasPrefix(c.PBX.BaseURL, "http://") && !strings.HasPrefix(c.PBX.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("PBX_BASE_URL must be an http(s) URL, got %q", c.PBX.BaseURL))
	}
	if c.PBX.AdminClientID == "" {
		errs = append(errs, errors.New("PBX_ADMIN_CLIENT_ID is required"))
	}
	if c.PBX.AdminClientSecret == "" {
		errs = append(errs, errors.New("PBX_ADMIN_CLIENT_SECRET is required"))
	}
	if c.PBX.RequestTimeout <= 0 {
		c.PBX.RequestTimeout = 10 * time.Second
	}

	if c.CRM.BaseURL == "" {
		errs = append(errs, errors.New("CRM_BASE_URL is required"))
	}
	if c.CRM.RequestTimeout <= 0 {
		c.CRM.RequestTimeout = 10 * time.Second
	}

	if c.Dialer.ReplenishFactor <= 0 {
		c.Dialer.ReplenishFactor = 2
	}
	if c.Dialer.MinTokenRefreshInterval <= 0 {
		c.Dialer.MinTokenRefreshInterval = 30 * time.Minute
	}
	if c.Dialer.AvailabilityPollInterval <= 0 {
		c.Dialer.AvailabilityPollInterval = 5 * time.Second
	}
	if c.Dialer.AvailabilityTokenRefreshInterval <= 0 {
		c.Dialer.AvailabilityTokenRefreshInterval = 30 * time.Minute
	}
	if c.Dialer.IdleCheckInterval <= 0 {
		c.Dialer.IdleCheckInterval = 30 * time.Second
	}
	if c.Dialer.CallSettleDelay <= 0 {
		c.Dialer.CallSettleDelay = 3 * time.Second
	}
	if c.Dialer.MaxCallsPerCampaign <= 0 {
		c.Dialer.MaxCallsPerCampaign = 8
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// PBXWebSocketURL returns the event stream endpoint, deriving it from the
// REST base when not set explicitly.
func (c Config) PBXWebSocketURL() string {
	if c.PBX.WebSocketURL != "" {
		return c.PBX.WebSocketURL
	}
	u := c.PBX.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/callcontrol/ws"
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

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
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
