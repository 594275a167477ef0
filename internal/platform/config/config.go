package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process level configuration for the fiscal engine.
type Server struct {
	Addr string

	// Issuer identity. The certificate's embedded tax ID must match.
	IssuerTaxID string

	// Issuer jurisdiction code carried in access keys and health queries.
	UFCode int

	// Digital certificate bundle (PEM encoded).
	CertificatePath string
	PrivateKeyPath  string

	// Protocol endpoints.
	SefazBaseURL      string
	ContadorBaseURL   string
	ContadorTokenURL  string
	ContadorClientID  string
	ContadorClientKey string

	// Decision engine rule table (YAML).
	RulesPath string

	// Per-call request timeout for protocol operations.
	RequestTimeout time.Duration

	// Retry bounds for the coordinator.
	MaxRetries        uint64
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Legal cancellation deadlines, by document type. Injected policy; the
	// authority remains the source of truth (a 501 denial overrides any
	// optimistic local check).
	CancelDeadlines CancellationDeadlines

	// Background sweep interval for polling in-doubt submissions.
	SweepInterval time.Duration

	// Advisory threshold for surfacing soon-to-expire attorney grants and
	// certificates to operators.
	ExpiryWarnThreshold time.Duration
}

// CancellationDeadlines holds the legal cancellation window per document type.
type CancellationDeadlines struct {
	GoodsInvoice    time.Duration
	ConsumerInvoice time.Duration
	ServiceInvoice  time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:              getEnv("FISCO_ADDR", ":8080"),
		IssuerTaxID:       os.Getenv("FISCO_ISSUER_TAX_ID"),
		UFCode:            getInt("FISCO_UF_CODE", 35),
		CertificatePath:   getEnv("FISCO_CERT_PATH", "certs/issuer.crt.pem"),
		PrivateKeyPath:    getEnv("FISCO_KEY_PATH", "certs/issuer.key.pem"),
		SefazBaseURL:      getEnv("FISCO_SEFAZ_URL", "https://localhost:8443"),
		ContadorBaseURL:   getEnv("FISCO_CONTADOR_URL", "https://localhost:8444"),
		ContadorTokenURL:  getEnv("FISCO_CONTADOR_TOKEN_URL", "https://localhost:8444/oauth2/token"),
		ContadorClientID:  os.Getenv("FISCO_CONTADOR_CLIENT_ID"),
		ContadorClientKey: os.Getenv("FISCO_CONTADOR_CLIENT_SECRET"),
		RulesPath:         getEnv("FISCO_RULES_PATH", "rules/decision.yaml"),
		RequestTimeout:    getDuration("FISCO_REQUEST_TIMEOUT", 15*time.Second),
		MaxRetries:        getUint("FISCO_MAX_RETRIES", 4),
		RetryInitialDelay: getDuration("FISCO_RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     getDuration("FISCO_RETRY_MAX_DELAY", 8*time.Second),
		CancelDeadlines: CancellationDeadlines{
			GoodsInvoice:    getDuration("FISCO_CANCEL_DEADLINE_GOODS", 24*time.Hour),
			ConsumerInvoice: getDuration("FISCO_CANCEL_DEADLINE_CONSUMER", 30*time.Minute),
			ServiceInvoice:  getDuration("FISCO_CANCEL_DEADLINE_SERVICE", 24*time.Hour),
		},
		SweepInterval:       getDuration("FISCO_SWEEP_INTERVAL", time.Minute),
		ExpiryWarnThreshold: getDuration("FISCO_EXPIRY_WARN_THRESHOLD", 30*24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
