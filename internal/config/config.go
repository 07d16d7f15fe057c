package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	"golang.org/x/crypto/bcrypt"
)

// Error reports an invalid or missing setting. main aborts on it.
type Error struct {
	Var    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Var, e.Reason)
}

type Config struct {
	StellarNetwork         string `env:"STELLAR_NETWORK,required"`
	SigningSecretKey       string `env:"SIGNING_SECRET_KEY,required"`
	MasterFundingPublicKey string `env:"MASTER_FUNDING_PUBLIC_KEY,required"`
	// MasterCosign makes the service sign activation and funding envelopes
	// with SIGNING_SECRET_KEY in addition to the admin's signature.
	MasterCosign bool `env:"MASTER_COSIGN,default=false"`

	DatabaseURL     string `env:"DATABASE_URL,required"`
	DatabaseMaxConn int32  `env:"DATABASE_MAX_CONNS,default=10"`
	RunMigrations   bool   `env:"RUN_MIGRATIONS,default=true"`

	KeystorePassphrase string `env:"KEYSTORE_PASSPHRASE,required"`
	// KeystoreSalt is hex encoded, at least 16 bytes once decoded.
	KeystoreSalt       string `env:"KEYSTORE_SALT,required"`
	KeystoreIterations int    `env:"KEYSTORE_ITERATIONS,default=100000"`

	GoogleClientID      string   `env:"GOOGLE_CLIENT_ID,required"`
	GoogleAllowedDomain string   `env:"GOOGLE_ALLOWED_DOMAIN,required"`
	GoogleAllowedEmails []string `env:"GOOGLE_ALLOWED_EMAILS,required"`

	Port        int      `env:"PORT,default=8080"`
	HorizonURL  string   `env:"HORIZON_URL"`
	LogLevel    string   `env:"LOG_LEVEL,default=info"`
	LogFormat   string   `env:"LOG_FORMAT,default=json"`
	CORSOrigins []string `env:"CORS_ORIGINS"`
	RedisURL    string   `env:"REDIS_URL"`

	MaxEnvelopeBytes  int           `env:"MAX_ENVELOPE_BYTES,default=65536"`
	SubmitTimeout     time.Duration `env:"SUBMIT_TIMEOUT,default=30s"`
	NotFoundGrace     time.Duration `env:"NOT_FOUND_GRACE,default=60s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=30s"`
	ReconcileRPS      float64       `env:"RECONCILE_RPS,default=5"`
	APIKeyHashCost    int           `env:"API_KEY_HASH_COST,default=10"`

	// Per-IP limit on the unauthenticated endpoints.
	IPRateLimitMax    int           `env:"IP_RATE_LIMIT_MAX,default=60"`
	IPRateLimitWindow time.Duration `env:"IP_RATE_LIMIT_WINDOW,default=1m"`

	// Failed API key or admin token attempts per client IP before it is
	// blocked for the rest of the window.
	AuthMaxFailures   int           `env:"AUTH_MAX_FAILURES,default=10"`
	AuthFailureWindow time.Duration `env:"AUTH_FAILURE_WINDOW,default=15m"`

	// HTTP server timeouts
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT,default=60s"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StellarNetwork != "testnet" && c.StellarNetwork != "mainnet" {
		return &Error{Var: "STELLAR_NETWORK", Reason: fmt.Sprintf("must be 'testnet' or 'mainnet', got %q", c.StellarNetwork)}
	}

	if !strings.HasPrefix(c.SigningSecretKey, "S") {
		return &Error{Var: "SIGNING_SECRET_KEY", Reason: "must be a valid Stellar secret key (starts with 'S')"}
	}
	if _, err := keypair.ParseFull(c.SigningSecretKey); err != nil {
		return &Error{Var: "SIGNING_SECRET_KEY", Reason: "is not a valid Stellar secret key"}
	}

	if _, err := keypair.ParseAddress(c.MasterFundingPublicKey); err != nil {
		return &Error{Var: "MASTER_FUNDING_PUBLIC_KEY", Reason: "is not a valid Stellar public key"}
	}

	salt, err := c.KeystoreSaltBytes()
	if err != nil {
		return &Error{Var: "KEYSTORE_SALT", Reason: "must be hex encoded"}
	}
	if len(salt) < 16 {
		return &Error{Var: "KEYSTORE_SALT", Reason: "must decode to at least 16 bytes"}
	}

	if c.Port < 1 || c.Port > 65535 {
		return &Error{Var: "PORT", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Port)}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return &Error{Var: "LOG_LEVEL", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return &Error{Var: "LOG_FORMAT", Reason: fmt.Sprintf("must be 'json' or 'console', got %q", c.LogFormat)}
	}

	if c.MaxEnvelopeBytes <= 0 {
		return &Error{Var: "MAX_ENVELOPE_BYTES", Reason: "must be positive"}
	}
	if c.SubmitTimeout <= 0 {
		return &Error{Var: "SUBMIT_TIMEOUT", Reason: "must be positive"}
	}
	if c.ReconcileRPS <= 0 {
		return &Error{Var: "RECONCILE_RPS", Reason: "must be positive"}
	}
	if c.APIKeyHashCost < bcrypt.MinCost || c.APIKeyHashCost > bcrypt.MaxCost {
		return &Error{Var: "API_KEY_HASH_COST", Reason: fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)}
	}

	return nil
}

func (c *Config) KeystoreSaltBytes() ([]byte, error) {
	return hex.DecodeString(c.KeystoreSalt)
}

func (c *Config) NetworkPassphrase() string {
	if c.StellarNetwork == "mainnet" {
		return network.PublicNetworkPassphrase
	}
	return network.TestNetworkPassphrase
}

func (c *Config) DefaultHorizonURL() string {
	if c.HorizonURL != "" {
		return c.HorizonURL
	}
	if c.StellarNetwork == "mainnet" {
		return "https://horizon.stellar.org"
	}
	return "https://horizon-testnet.stellar.org"
}
