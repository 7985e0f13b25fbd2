package cache

import (
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"

	"github.com/bookgraph/bookgraph/internal/config"
)

// StaticCredentialsFn returns an AuthCredentialsFn that always returns the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}

// NewFromConfig creates a cache implementation based on the provided
// configuration. The cache type must be either "memory" or "valkey"; any
// other value returns an error.
func NewFromConfig(cfg config.CacheConfig) (KeyValue, error) {
	switch cfg.Type {
	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Msg("initializing distributed cache")

		if cfg.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress:       []string{cfg.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(cfg.Valkey.Username, cfg.Valkey.Password),
		}

		if cfg.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		return NewDistributed(valkeyClient), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		memory, err := NewMemory(cfg.TTL(), cfg.MemoryMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return memory, nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be either \"memory\" or \"valkey\"", cfg.Type)
	}
}
