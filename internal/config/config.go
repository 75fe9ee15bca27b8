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
	App    AppConfig
	Store  StoreConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Media  MediaConfig
	Calls  CallsConfig
	Outbox OutboxConfig
	Kafka  KafkaConfig
	HTTP   HTTPConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// StoreConfig selects where shared call state lives.
// memory is single-instance only; redis/postgres survive restarts and scale out.
type StoreConfig struct {
	RegistryBackend string
	OutboxBackend   string
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

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
	Host      string
	Port      int
	Password  string
	DB        int
	TLS       bool
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DevLogin enables POST /auth/token. Never honored in production.
	DevLogin bool
}

// MediaConfig identifies the application at the external real-time media provider.
type MediaConfig struct {
	AppID          string
	AppCertificate string
	TokenTTL       time.Duration
}

type CallsConfig struct {
	RingTimeout    time.Duration
	EndedRetention time.Duration
	SweepInterval  time.Duration
	NotifyTimeout  time.Duration
	JoinURLBase    string
}

type OutboxConfig struct {
	Retention   time.Duration
	PollLimit   int
	LongPollMax time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type HTTPConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
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

	c.Store.RegistryBackend = strings.TrimSpace(os.Getenv("REGISTRY_BACKEND"))
	c.Store.OutboxBackend = strings.TrimSpace(os.Getenv("OUTBOX_BACKEND"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}
	c.Redis.TLS = boolEnv("REDIS_TLS")
	c.Redis.KeyPrefix = strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.DevLogin = boolEnv("AUTH_DEV_LOGIN")

	c.Media.AppID = strings.TrimSpace(os.Getenv("MEDIA_APP_ID"))
	c.Media.AppCertificate = os.Getenv("MEDIA_APP_CERTIFICATE")
	c.Media.TokenTTL = mustDuration("MEDIA_TOKEN_TTL")

	c.Calls.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	c.Calls.EndedRetention = mustDuration("CALL_ENDED_RETENTION")
	c.Calls.SweepInterval = mustDuration("CALL_SWEEP_INTERVAL")
	c.Calls.NotifyTimeout = mustDuration("CALL_NOTIFY_TIMEOUT")
	c.Calls.JoinURLBase = strings.TrimSpace(os.Getenv("CALL_JOIN_URL_BASE"))

	c.Outbox.Retention = mustDuration("OUTBOX_RETENTION")
	{
		n, err := optionalInt("OUTBOX_POLL_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.PollLimit = n
	}
	c.Outbox.LongPollMax = mustDuration("OUTBOX_LONGPOLL_MAX")

	c.Kafka.Brokers = listEnv("KAFKA_BROKERS")
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))

	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("RATE_LIMIT_RPS must be a number, got %q", v))
		}
		c.HTTP.RateLimitRPS = f
	}
	{
		n, err := optionalInt("RATE_LIMIT_BURST")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.HTTP.RateLimitBurst = n
	}
	c.HTTP.AllowedOrigins = listEnv("WS_ALLOWED_ORIGINS")

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

	if c.Store.RegistryBackend == "" {
		c.Store.RegistryBackend = BackendMemory
	}
	if c.Store.OutboxBackend == "" {
		c.Store.OutboxBackend = BackendMemory
	}
	switch c.Store.RegistryBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_BACKEND must be one of memory, redis, got %q", c.Store.RegistryBackend))
	}
	switch c.Store.OutboxBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("OUTBOX_BACKEND must be one of memory, redis, postgres, got %q", c.Store.OutboxBackend))
	}
	if c.IsProduction() && (c.Store.RegistryBackend == BackendMemory || c.Store.OutboxBackend == BackendMemory) {
		errs = append(errs, errors.New("memory backends are not allowed in production"))
	}

	if c.NeedsPostgres() {
		errs = append(errs, c.validateDB()...)
	}
	if c.NeedsRedis() {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
		if c.Redis.DB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
		}
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "callsig"
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
		c.Auth.DevLogin = false
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

	if c.Media.AppID == "" {
		errs = append(errs, errors.New("MEDIA_APP_ID is required"))
	}
	if c.Media.AppCertificate == "" {
		errs = append(errs, errors.New("MEDIA_APP_CERTIFICATE is required"))
	}
	if c.Media.TokenTTL <= 0 {
		c.Media.TokenTTL = time.Hour
	}

	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 60 * time.Second
	}
	if c.Calls.EndedRetention <= 0 {
		c.Calls.EndedRetention = time.Second
	}
	if c.Calls.SweepInterval <= 0 {
		c.Calls.SweepInterval = time.Second
	}
	if c.Calls.NotifyTimeout <= 0 {
		c.Calls.NotifyTimeout = 5 * time.Second
	}

	if c.Outbox.Retention <= 0 {
		c.Outbox.Retention = 24 * time.Hour
	}
	if c.Outbox.PollLimit < 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_POLL_LIMIT must be >= 0, got %d", c.Outbox.PollLimit))
	}
	if c.Outbox.LongPollMax <= 0 {
		c.Outbox.LongPollMax = 30 * time.Second
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "call-signaling.events"
	}

	if c.HTTP.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0, got %v", c.HTTP.RateLimitRPS))
	}
	if c.HTTP.RateLimitRPS == 0 {
		c.HTTP.RateLimitRPS = 5
	}
	if c.HTTP.RateLimitBurst <= 0 {
		c.HTTP.RateLimitBurst = 10
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
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
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) NeedsPostgres() bool {
	return c.Store.OutboxBackend == BackendPostgres
}

func (c *Config) NeedsRedis() bool {
	return c.Store.RegistryBackend == BackendRedis || c.Store.OutboxBackend == BackendRedis
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
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

func (c *Config) RedisAddr() string {
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
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

func boolEnv(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return b
}

func listEnv(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
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
