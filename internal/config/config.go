package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// Values come from env (optionally seeded from a .env file by cmd/api).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Vendor VendorConfig
	Ingest IngestConfig
	HTTP   HTTPConfig
	OTEL   OTELConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicURL is the externally reachable base URL used to build webhook URLs.
	PublicURL string
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
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// VendorConfig covers both directions of the voice vendor integration:
// inbound webhooks (shared secret) and outbound REST fallback reads.
type VendorConfig struct {
	APIBaseURL    string
	WebhookSecret string

	Timeout          time.Duration
	FallbackCacheTTL time.Duration
	FallbackLimit    int
}

type IngestConfig struct {
	// DefaultTenantID is used when an event cannot be attributed to a tenant.
	// Empty means "oldest tenant".
	DefaultTenantID string

	Workers        int
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	PollInterval   time.Duration
	Lease          time.Duration
}

type HTTPConfig struct {
	RateRPS     float64
	RateBurst   int
	CORSOrigins []string
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
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
	c.App.PublicURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_URL")), "/")

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
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Vendor.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("VENDOR_API_BASE_URL")), "/")
	c.Vendor.WebhookSecret = os.Getenv("VENDOR_WEBHOOK_SECRET")
	c.Vendor.Timeout = mustDuration("VENDOR_TIMEOUT")
	c.Vendor.FallbackCacheTTL = mustDuration("VENDOR_FALLBACK_CACHE_TTL")
	{
		n, err := optionalInt("VENDOR_FALLBACK_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Vendor.FallbackLimit = n
	}

	c.Ingest.DefaultTenantID = strings.TrimSpace(os.Getenv("INGEST_DEFAULT_TENANT_ID"))
	{
		n, err := optionalInt("INGEST_WORKERS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.Workers = n
	}
	{
		n, err := optionalInt("INGEST_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.BatchSize = n
	}
	{
		n, err := optionalInt("INGEST_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.MaxAttempts = n
	}
	c.Ingest.RetryBaseDelay = mustDuration("INGEST_RETRY_BASE_DELAY")
	c.Ingest.PollInterval = mustDuration("INGEST_POLL_INTERVAL")
	c.Ingest.Lease = mustDuration("INGEST_LEASE")

	{
		f, err := optionalFloat("HTTP_RATE_RPS")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.HTTP.RateRPS = f
	}
	{
		n, err := optionalInt("HTTP_RATE_BURST")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.HTTP.RateBurst = n
	}
	c.HTTP.CORSOrigins = splitCSV(os.Getenv("HTTP_CORS_ORIGINS"))

	c.OTEL.Enabled = envBool("OTEL_ENABLED")
	c.OTEL.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	c.OTEL.Insecure = envBool("OTEL_INSECURE")
	c.OTEL.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	{
		f, err := optionalFloat("OTEL_SAMPLE_RATIO")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.OTEL.SampleRatio = f
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults for optional values.
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
	if c.App.PublicURL == "" {
		c.App.PublicURL = fmt.Sprintf("http://localhost:%d", c.App.Port)
	} else if u, err := url.Parse(c.App.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("APP_PUBLIC_URL must be an absolute URL, got %q", c.App.PublicURL))
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
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
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

	if c.Vendor.WebhookSecret == "" {
		errs = append(errs, errors.New("VENDOR_WEBHOOK_SECRET is required"))
	}
	if c.Vendor.APIBaseURL == "" {
		c.Vendor.APIBaseURL = "https://api.vapi.ai"
	}
	if c.Vendor.Timeout <= 0 {
		c.Vendor.Timeout = 8 * time.Second
	}
	if c.Vendor.FallbackCacheTTL <= 0 {
		c.Vendor.FallbackCacheTTL = time.Minute
	}
	if c.Vendor.FallbackLimit <= 0 {
		c.Vendor.FallbackLimit = 100
	}
	if c.Vendor.FallbackLimit > 1000 {
		errs = append(errs, fmt.Errorf("VENDOR_FALLBACK_LIMIT must be <= 1000, got %d", c.Vendor.FallbackLimit))
	}

	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = 10
	}
	if c.Ingest.MaxAttempts <= 0 {
		c.Ingest.MaxAttempts = 5
	}
	if c.Ingest.RetryBaseDelay <= 0 {
		c.Ingest.RetryBaseDelay = 2 * time.Second
	}
	if c.Ingest.PollInterval <= 0 {
		c.Ingest.PollInterval = time.Second
	}
	if c.Ingest.Lease <= 0 {
		c.Ingest.Lease = time.Minute
	}

	if c.HTTP.RateRPS < 0 {
		errs = append(errs, fmt.Errorf("HTTP_RATE_RPS must be >= 0, got %v", c.HTTP.RateRPS))
	} else if c.HTTP.RateRPS == 0 {
		c.HTTP.RateRPS = 20
	}
	if c.HTTP.RateBurst <= 0 {
		c.HTTP.RateBurst = 40
	}

	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set"))
	}
	if c.OTEL.ServiceName == "" {
		c.OTEL.ServiceName = "callboard"
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1], got %v", c.OTEL.SampleRatio))
	} else if c.OTEL.SampleRatio == 0 {
		c.OTEL.SampleRatio = 1
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AllowsDevTokens reports whether the unauthenticated token issuance route may be mounted.
func (c Config) AllowsDevTokens() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
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

// WebhookURL is the per-tenant inbound URL shown to tenant admins.
func (c Config) WebhookURL(tenantID string) string {
	return c.App.PublicURL + "/webhooks/vendor?clientId=" + url.QueryEscape(tenantID)
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

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
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

func envBool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return b
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
