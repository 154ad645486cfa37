// Package config loads the msid-token CLI's configuration from the
// environment.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	App   AppConfig
	Cache CacheConfig
}

// AppConfig identifies the confidential client and its credential source.
// Exactly one of ClientSecret, CertificateFile, ClientAssertion must be set.
type AppConfig struct {
	ClientID  string `env:"MSID_CLIENT_ID, required"`
	Authority string `env:"MSID_AUTHORITY, default=https://login.microsoftonline.com/common"`

	// OIDCIssuer switches endpoint resolution to a generic OIDC issuer's
	// discovery document, replacing the Authority URL entirely.
	OIDCIssuer string `env:"MSID_OIDC_ISSUER"`

	ClientSecret string `env:"MSID_CLIENT_SECRET"`

	// CertificateFile points at a PKCS#12 (.pfx) bundle holding the client
	// certificate and its private key.
	CertificateFile     string `env:"MSID_CERTIFICATE_FILE"`
	CertificatePassword string `env:"MSID_CERTIFICATE_PASSWORD"`

	// ClientAssertion is a pre-signed client assertion JWT obtained out of
	// band, e.g. from a workload identity system.
	ClientAssertion string `env:"MSID_CLIENT_ASSERTION"`

	// DisableInstanceDiscovery trusts the authority host without validating
	// it. For private clouds and test stacks.
	DisableInstanceDiscovery bool `env:"MSID_DISABLE_INSTANCE_DISCOVERY, default=false"`

	// MaxTries bounds retry attempts for transient token-endpoint failures.
	MaxTries uint `env:"MSID_MAX_TRIES, default=4"`
}

// CacheConfig selects where the token cache is persisted.
type CacheConfig struct {
	// Type selects the persistence: "none" (in-memory only, default),
	// "file" or "valkey".
	Type string `env:"MSID_CACHE_TYPE, default=none"`

	// File is the cache file path for CACHE_TYPE=file.
	File string `env:"MSID_CACHE_FILE"`

	Valkey     ValkeyConfig
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies the shared-cache Valkey connection.
type ValkeyConfig struct {
	Address string `env:"MSID_VALKEY_ADDRESS"`

	// Key is the Valkey key the serialized cache is stored under.
	Key string `env:"MSID_VALKEY_KEY, default=msid:token-cache"`

	// TLS defaults to true so the secure option is the default.
	TLS bool `env:"MSID_VALKEY_TLS, default=true"`

	Username string `env:"MSID_VALKEY_USERNAME"`
	Password string `env:"MSID_VALKEY_PASSWORD"`
}

// CacheEncryptionConfig holds settings for cache-at-rest encryption.
type CacheEncryptionConfig struct {
	Enabled bool `env:"MSID_CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a cleartext Tink keyset file. When set it takes
	// precedence over the KMS-enveloped keyset.
	KeysetFile string `env:"MSID_CACHE_ENCRYPTION_KEYSET_FILE"`

	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"MSID_CACHE_ENCRYPTION_KEYSET_URI"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"MSID_CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.App.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid application configuration: %w", err)
	}
	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that exactly one credential source is configured.
func (c *AppConfig) Validate() error {
	credentials := 0
	if c.ClientSecret != "" {
		credentials++
	}
	if c.CertificateFile != "" {
		credentials++
	}
	if c.ClientAssertion != "" {
		credentials++
	}
	if credentials == 0 {
		return fmt.Errorf("one of MSID_CLIENT_SECRET, MSID_CERTIFICATE_FILE or MSID_CLIENT_ASSERTION is required")
	}
	if credentials > 1 {
		return fmt.Errorf("MSID_CLIENT_SECRET, MSID_CERTIFICATE_FILE and MSID_CLIENT_ASSERTION are mutually exclusive")
	}
	return nil
}

// Validate checks that the cache configuration is internally consistent.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "none", "file", "valkey":
	default:
		return fmt.Errorf("unknown MSID_CACHE_TYPE %q", c.Type)
	}

	if c.Type == "file" && c.File == "" {
		return fmt.Errorf("MSID_CACHE_FILE required when MSID_CACHE_TYPE=file")
	}
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("MSID_VALKEY_ADDRESS required when MSID_CACHE_TYPE=valkey")
	}

	if c.Encryption.Enabled {
		if c.Type == "none" {
			return fmt.Errorf("cache encryption requires a persistent MSID_CACHE_TYPE")
		}
		if c.Encryption.KeysetFile == "" && (c.Encryption.KeysetURI == "" || c.Encryption.KMSEnvelopeKeyURI == "") {
			return fmt.Errorf("MSID_CACHE_ENCRYPTION_KEYSET_FILE or both MSID_CACHE_ENCRYPTION_KEYSET_URI and MSID_CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI required when encryption enabled")
		}
	}

	return nil
}
