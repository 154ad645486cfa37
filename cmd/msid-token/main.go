// msid-token acquires a client-credentials access token for the configured
// application and prints it, suitable for use as a credential helper in
// scripts and CI. The token cache can be persisted to a file or a shared
// Valkey instance, so repeated invocations reuse tokens instead of hitting
// the authority.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"

	msid "github.com/meridianid/msid-go"
	"github.com/meridianid/msid-go/internal/cachefile"
	"github.com/meridianid/msid-go/internal/cachevalkey"
	"github.com/meridianid/msid-go/internal/config"
	"github.com/meridianid/msid-go/internal/encryption"
)

func main() {
	configureLogging()
	logBuildInfo()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("token acquisition failed")
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	scopes := os.Args[1:]
	if len(scopes) == 0 {
		return fmt.Errorf("usage: msid-token <scope> [scope...]")
	}

	cred, err := buildCredential(cfg.App)
	if err != nil {
		return fmt.Errorf("credential configuration failed: %w", err)
	}

	aspect, closeAspect, err := buildCacheAspect(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache configuration failed: %w", err)
	}
	defer closeAspect()

	opts := []msid.ClientOption{
		msid.WithAuthority(cfg.App.Authority),
		msid.WithMaxTries(cfg.App.MaxTries),
	}
	if cfg.App.OIDCIssuer != "" {
		opts = append(opts, msid.WithOIDCIssuer(cfg.App.OIDCIssuer))
	}
	if cfg.App.DisableInstanceDiscovery {
		opts = append(opts, msid.WithInstanceDiscoveryDisabled())
	}
	if aspect != nil {
		opts = append(opts, msid.WithCacheAccessAspect(aspect))
	}

	client, err := msid.New(ctx, cfg.App.ClientID, cred, opts...)
	if err != nil {
		return fmt.Errorf("client configuration failed: %w", err)
	}

	result, err := client.AcquireTokenByCredential(ctx, scopes)
	if err != nil {
		return err
	}

	log.Info().
		Bool("from_cache", result.FromCache).
		Time("expires_on", result.ExpiresOn).
		Str("correlation_id", result.CorrelationID).
		Msg("token acquired")

	fmt.Println(result.AccessToken)
	return nil
}

func buildCredential(cfg config.AppConfig) (msid.Credential, error) {
	switch {
	case cfg.ClientSecret != "":
		return msid.NewCredFromSecret(cfg.ClientSecret)

	case cfg.CertificateFile != "":
		data, err := os.ReadFile(cfg.CertificateFile)
		if err != nil {
			return msid.Credential{}, fmt.Errorf("reading certificate bundle: %w", err)
		}
		return msid.NewCredFromPKCS12(data, cfg.CertificatePassword)

	case cfg.ClientAssertion != "":
		return msid.NewCredFromAssertion(cfg.ClientAssertion)
	}
	// unreachable: config validation enforces a credential source
	return msid.Credential{}, fmt.Errorf("no credential configured")
}

// buildCacheAspect constructs the configured persistence aspect, or nil for
// an in-memory-only cache. The returned func releases the aspect's resources.
func buildCacheAspect(ctx context.Context, cfg config.CacheConfig) (msid.CacheAccessAspect, func(), error) {
	noop := func() {}

	switch cfg.Type {
	case "none":
		return nil, noop, nil

	case "file":
		var opts []cachefile.Option
		if cfg.Encryption.Enabled {
			sealer, err := buildSealer(ctx, cfg.Encryption)
			if err != nil {
				return nil, noop, err
			}
			opts = append(opts, cachefile.WithSealer(sealer))
		}
		aspect, err := cachefile.New(cfg.File, opts...)
		if err != nil {
			return nil, noop, err
		}
		return aspect, func() { _ = aspect.Close() }, nil

	case "valkey":
		client, err := cachevalkey.Connect(cfg.Valkey.Address, cfg.Valkey.Username, cfg.Valkey.Password, cfg.Valkey.TLS)
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to valkey: %w", err)
		}
		var opts []cachevalkey.Option
		if cfg.Encryption.Enabled {
			sealer, err := buildSealer(ctx, cfg.Encryption)
			if err != nil {
				client.Close()
				return nil, noop, err
			}
			opts = append(opts, cachevalkey.WithSealer(sealer))
		}
		aspect, err := cachevalkey.New(client, cfg.Valkey.Key, opts...)
		if err != nil {
			client.Close()
			return nil, noop, err
		}
		return aspect, func() {
			_ = aspect.Close()
			client.Close()
		}, nil
	}
	// unreachable: config validation rejects unknown types
	return nil, noop, fmt.Errorf("unknown cache type %q", cfg.Type)
}

func buildSealer(ctx context.Context, cfg config.CacheEncryptionConfig) (encryption.Sealer, error) {
	var (
		aead tink.AEAD
		err  error
	)
	if cfg.KeysetFile != "" {
		aead, err = encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	} else {
		aead, err = encryption.NewRefreshableAEAD(ctx, cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing cache encryption: %w", err)
	}
	log.Info().Msg("cache encryption enabled with automatic keyset refresh")
	return encryption.NewAEADSealer(aead), nil
}

func configureLogging() {
	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
	zerolog.DurationFieldUnit = time.Millisecond
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Debug()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") {
			ev = ev.Str(v.Key, v.Value)
		}
	}
	ev.Msg("build info")
}
