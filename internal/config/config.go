package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// CountryCredentials holds one MercadoPago market's secrets.
type CountryCredentials struct {
	AccessToken   string
	WebhookSecret string
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicURL          string
	DatabaseURL        string
	RedisURL           string
	StoreDriver        string
	DBAutoMigrate      bool
	AdminJWTSecret     string
	AdminJWTIssuer     string
	AdminJWTAudience   string
	CORSAllowedOrigins []string
	IdempotencyTTL     time.Duration

	GatewayTimeout         time.Duration
	BreakerMinRequests     int
	BreakerFailureRatio    float64
	BreakerOpenFor         time.Duration
	WebhookAllowUnverified []payment.Gateway
	WebhookRateLimit       string

	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string
	PayPalSandbox      bool

	MercadoPago        map[string]CountryCredentials
	MercadoPagoSandbox bool

	NOWPaymentsAPIKey     string
	NOWPaymentsIPNSecret  string
	CoinbaseAPIKey        string
	CoinbaseWebhookSecret string
	PlisioSecretKey       string
	CryptoAmountTolerance decimal.Decimal
	CryptoPaymentTTL      time.Duration

	BankTransferEnabled bool
	BankTransferTTL     time.Duration
	BankReferencePrefix string
	BankFeedSecret      string

	SweepInterval         time.Duration
	PollInterval          time.Duration
	PollBatch             int
	LockTTL               time.Duration
	InvoiceCallbackURL    string
	InvoiceCallbackSecret string
	WorkerConcurrency     int

	Obs Observability
}

// Observability groups the logging, metrics, tracing and profiling switches
// shared by every binary.
type Observability struct {
	LogFormat         string
	LogLevel          string
	MetricsEnabled    bool
	MetricsNamespace  string
	MetricsBucketsMS  string
	TracingEnabled    bool
	TracingExporter   string
	OTLPEndpoint      string
	SamplingRatio     float64
	PprofEnabled      bool
	PprofUser         string
	PprofPassword     string
	ReadyDBTimeout    time.Duration
	ReadyRedisTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		PublicURL:          strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_URL")), "/"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		StoreDriver:        strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StorePostgres)),
		DBAutoMigrate:      parseBool(k.String("DB_AUTO_MIGRATE")),
		AdminJWTSecret:     k.String("ADMIN_JWT_SECRET"),
		AdminJWTIssuer:     valueOrDefault(k.String("ADMIN_JWT_ISSUER"), "hostpay"),
		AdminJWTAudience:   valueOrDefault(k.String("ADMIN_JWT_AUDIENCE"), "hostpay-admin"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		GatewayTimeout:      parseDuration(k.String("GATEWAY_TIMEOUT"), "15s"),
		BreakerMinRequests:  parseInt(k.String("GATEWAY_BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio: parseFloat(k.String("GATEWAY_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("GATEWAY_BREAKER_OPEN_FOR"), "30s"),
		WebhookRateLimit:    strings.TrimSpace(k.String("WEBHOOK_RATE_LIMIT")),

		PayPalClientID:     k.String("PAYPAL_CLIENT_ID"),
		PayPalClientSecret: k.String("PAYPAL_CLIENT_SECRET"),
		PayPalWebhookID:    k.String("PAYPAL_WEBHOOK_ID"),
		PayPalSandbox:      parseBool(valueOrDefault(k.String("PAYPAL_SANDBOX"), "true")),

		MercadoPago:        map[string]CountryCredentials{},
		MercadoPagoSandbox: parseBool(k.String("MERCADOPAGO_SANDBOX")),

		NOWPaymentsAPIKey:     k.String("NOWPAYMENTS_API_KEY"),
		NOWPaymentsIPNSecret:  k.String("NOWPAYMENTS_IPN_SECRET"),
		CoinbaseAPIKey:        k.String("COINBASE_API_KEY"),
		CoinbaseWebhookSecret: k.String("COINBASE_WEBHOOK_SECRET"),
		PlisioSecretKey:       k.String("PLISIO_SECRET_KEY"),
		CryptoPaymentTTL:      parseDuration(k.String("CRYPTO_PAYMENT_TTL"), "1h"),

		BankTransferEnabled: parseBool(valueOrDefault(k.String("BANK_TRANSFER_ENABLED"), "true")),
		BankTransferTTL:     parseDuration(k.String("BANK_TRANSFER_TTL"), "168h"),
		BankReferencePrefix: valueOrDefault(k.String("BANK_REFERENCE_PREFIX"), "PAY"),
		BankFeedSecret:      k.String("BANK_FEED_SECRET"),

		SweepInterval:         parseDuration(k.String("SWEEP_INTERVAL"), "1m"),
		PollInterval:          parseDuration(k.String("POLL_INTERVAL"), "2m"),
		PollBatch:             parseInt(k.String("POLL_BATCH"), 50),
		LockTTL:               parseDuration(k.String("LOCK_TTL"), "2m"),
		InvoiceCallbackURL:    strings.TrimSpace(k.String("INVOICE_CALLBACK_URL")),
		InvoiceCallbackSecret: k.String("INVOICE_CALLBACK_SECRET"),
		WorkerConcurrency:     parseInt(k.String("WORKER_CONCURRENCY"), 10),
	}
	cfg.Obs = loadObservability(k, cfg.IsProduction())

	for _, p := range gateway.Countries() {
		creds := CountryCredentials{
			AccessToken:   strings.TrimSpace(k.String("MERCADOPAGO_" + p.Code + "_ACCESS_TOKEN")),
			WebhookSecret: strings.TrimSpace(k.String("MERCADOPAGO_" + p.Code + "_WEBHOOK_SECRET")),
		}
		if creds.AccessToken != "" {
			cfg.MercadoPago[p.Code] = creds
		}
	}

	tol, err := parseTolerance(k.String("CRYPTO_AMOUNT_TOLERANCE"))
	if err != nil {
		return nil, err
	}
	cfg.CryptoAmountTolerance = tol

	for _, raw := range splitAndTrim(k.String("WEBHOOK_ALLOW_UNVERIFIED")) {
		g, err := payment.ParseGateway(raw)
		if err != nil {
			return nil, fmt.Errorf("WEBHOOK_ALLOW_UNVERIFIED: %w", err)
		}
		cfg.WebhookAllowUnverified = append(cfg.WebhookAllowUnverified, g)
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q must be postgres or memory", cfg.StoreDriver)
	}
	if cfg.IsProduction() {
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required")
		}
		if cfg.AdminJWTSecret == "" {
			return nil, errors.New("ADMIN_JWT_SECRET is required")
		}
		if len(cfg.WebhookAllowUnverified) > 0 {
			return nil, errors.New("WEBHOOK_ALLOW_UNVERIFIED is not allowed in production")
		}
	}

	return cfg, nil
}

func loadObservability(k *koanf.Koanf, production bool) Observability {
	boolOr := func(key string, fallback bool) bool {
		if strings.TrimSpace(k.String(key)) == "" {
			return fallback
		}
		return parseBool(k.String(key))
	}
	return Observability{
		LogFormat:         valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:          valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled:    boolOr("OBS_ENABLE_PROMETHEUS", true),
		MetricsNamespace:  valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "hostpay"),
		MetricsBucketsMS:  strings.TrimSpace(k.String("OBS_METRICS_BUCKETS_MS")),
		TracingEnabled:    boolOr("OBS_ENABLE_TRACING", true),
		TracingExporter:   valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:      strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		SamplingRatio:     parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
		PprofEnabled:      boolOr("OBS_ENABLE_PPROF", !production),
		PprofUser:         strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofPassword:     strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		ReadyDBTimeout:    parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		ReadyRedisTimeout: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
	}
}

// IsProduction reports whether the service runs with production guards.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// GatewayConfigs returns the gateway configs derived from environment
// credentials. Gateways without credentials are omitted. Configs persisted
// through the admin API are applied after these and take precedence.
func (c *Config) GatewayConfigs() []payment.GatewayConfig {
	var out []payment.GatewayConfig
	if c.PayPalClientID != "" && c.PayPalClientSecret != "" {
		out = append(out, payment.GatewayConfig{
			Gateway: payment.GatewayCardWallet,
			Credentials: map[string]string{
				gateway.CredClientID:     c.PayPalClientID,
				gateway.CredClientSecret: c.PayPalClientSecret,
				gateway.CredWebhookID:    c.PayPalWebhookID,
			},
			Sandbox: c.PayPalSandbox,
			Enabled: true,
		})
	}
	for _, p := range gateway.Countries() {
		creds, ok := c.MercadoPago[p.Code]
		if !ok {
			continue
		}
		out = append(out, payment.GatewayConfig{
			Gateway: payment.GatewayCountryBank,
			Variant: p.Code,
			Credentials: map[string]string{
				gateway.CredAccessToken:   creds.AccessToken,
				gateway.CredWebhookSecret: creds.WebhookSecret,
			},
			Sandbox: c.MercadoPagoSandbox,
			Enabled: true,
		})
	}
	if c.NOWPaymentsAPIKey != "" {
		out = append(out, payment.GatewayConfig{
			Gateway: payment.GatewayCrypto,
			Variant: gateway.ProcessorNOWPayments,
			Credentials: map[string]string{
				gateway.CredAPIKey:    c.NOWPaymentsAPIKey,
				gateway.CredIPNSecret: c.NOWPaymentsIPNSecret,
			},
			Enabled: true,
		})
	}
	if c.CoinbaseAPIKey != "" {
		out = append(out, payment.GatewayConfig{
			Gateway: payment.GatewayCrypto,
			Variant: gateway.ProcessorCoinbase,
			Credentials: map[string]string{
				gateway.CredAPIKey:        c.CoinbaseAPIKey,
				gateway.CredWebhookSecret: c.CoinbaseWebhookSecret,
			},
			Enabled: true,
		})
	}
	if c.PlisioSecretKey != "" {
		out = append(out, payment.GatewayConfig{
			Gateway:     payment.GatewayCrypto,
			Variant:     gateway.ProcessorPlisio,
			Credentials: map[string]string{gateway.CredSecretKey: c.PlisioSecretKey},
			Enabled:     true,
		})
	}
	if c.BankTransferEnabled {
		out = append(out, payment.GatewayConfig{
			Gateway: payment.GatewayManualBankTransfer,
			Credentials: map[string]string{
				gateway.CredReferencePrefix: c.BankReferencePrefix,
				gateway.CredFeedSecret:      c.BankFeedSecret,
			},
			Enabled: true,
		})
	}
	return out
}

func parseTolerance(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return payment.GatewayCrypto.AmountTolerance(), nil
	}
	tol, err := decimal.NewFromString(raw)
	if err != nil || tol.IsNegative() || tol.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("CRYPTO_AMOUNT_TOLERANCE %q must be a fraction in [0,1)", raw)
	}
	return tol, nil
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
