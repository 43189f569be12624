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
// All values come from env (or a .env file loaded by cmd/api).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Media MediaConfig
	Call  CallConfig

	Telephony TelephonyConfig
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

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// MediaConfig holds the media engine project credentials used to mint room
// join tokens. ServerSecret never leaves the server.
type MediaConfig struct {
	AppID        int64
	ServerSecret string
	TokenTTL     time.Duration
}

// TelephonyConfig holds the click-to-call provider account. It is optional;
// PSTN calling is disabled until every credential is set.
type TelephonyConfig struct {
	AccountSID string
	APIKey     string
	APIToken   string
	CallerID   string
	// BaseURL overrides the provider API host, e.g. a regional cluster.
	BaseURL string
}

// Enabled reports whether PSTN calling is configured.
func (t TelephonyConfig) Enabled() bool {
	return t.AccountSID != "" && t.APIKey != "" && t.APIToken != "" && t.CallerID != ""
}

// CallConfig tunes call leg timing.
type CallConfig struct {
	// RingTimeout is how long an unanswered call rings before it is missed.
	RingTimeout time.Duration
	// GracePeriod is how long a terminal status is shown before idle.
	GracePeriod time.Duration
	// LineTTL bounds how long a participant's line stays claimed if a
	// process dies mid-call.
	LineTTL time.Duration
	// DeviceTimeout bounds each request sent to a participant's device.
	DeviceTimeout time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	intVar := func(key string) int {
		n, err := mustInt(key)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		return n
	}
	// Duration env vars are optional; defaults applied in Validate().
	durationVar := func(key string) time.Duration {
		d, err := optionalDuration(key)
		d, parseErrs = appendDurationErr(parseErrs, d, err)
		return d
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intVar("APP_PORT")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intVar("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intVar("REDIS_PORT")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = durationVar("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = durationVar("JWT_REFRESH_TTL")

	if v := strings.TrimSpace(os.Getenv("MEDIA_APP_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("MEDIA_APP_ID must be an integer, got %q", v))
		}
		c.Media.AppID = n
	}
	c.Media.ServerSecret = os.Getenv("MEDIA_SERVER_SECRET")
	c.Media.TokenTTL = durationVar("MEDIA_TOKEN_TTL")

	c.Call.RingTimeout = durationVar("CALL_RING_TIMEOUT")
	c.Call.GracePeriod = durationVar("CALL_GRACE_PERIOD")
	c.Call.LineTTL = durationVar("CALL_LINE_TTL")
	c.Call.DeviceTimeout = durationVar("CALL_DEVICE_TIMEOUT")

	c.Telephony.AccountSID = strings.TrimSpace(os.Getenv("EXOTEL_SID"))
	c.Telephony.APIKey = strings.TrimSpace(os.Getenv("EXOTEL_API_KEY"))
	c.Telephony.APIToken = os.Getenv("EXOTEL_API_TOKEN")
	c.Telephony.CallerID = strings.TrimSpace(os.Getenv("EXOTEL_CALLER_ID"))
	c.Telephony.BaseURL = strings.TrimSpace(os.Getenv("EXOTEL_BASE_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills in defaults for optional ones.
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Media.AppID <= 0 {
		errs = append(errs, errors.New("MEDIA_APP_ID is required"))
	}
	if c.Media.ServerSecret == "" {
		errs = append(errs, errors.New("MEDIA_SERVER_SECRET is required"))
	}
	if c.Media.TokenTTL <= 0 {
		c.Media.TokenTTL = time.Hour
	}

	if c.Call.RingTimeout <= 0 {
		c.Call.RingTimeout = 30 * time.Second
	}
	if c.Call.GracePeriod <= 0 {
		c.Call.GracePeriod = 2 * time.Second
	}
	if c.Call.LineTTL <= 0 {
		c.Call.LineTTL = 2 * time.Hour
	}
	if c.Call.DeviceTimeout <= 0 {
		c.Call.DeviceTimeout = 10 * time.Second
	}
	t := c.Telephony
	if !t.Enabled() && (t.AccountSID != "" || t.APIKey != "" || t.APIToken != "" || t.CallerID != "") {
		errs = append(errs, errors.New("EXOTEL_SID, EXOTEL_API_KEY, EXOTEL_API_TOKEN and EXOTEL_CALLER_ID must be set together"))
	}
	if c.Call.GracePeriod >= c.Call.RingTimeout {
		errs = append(errs, errors.New("CALL_GRACE_PERIOD must be shorter than CALL_RING_TIMEOUT"))
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

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func appendDurationErr(errs []error, d time.Duration, err error) (time.Duration, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return d, errs
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
