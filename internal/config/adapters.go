package config

import (
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/retry"
)

// ToProvider converts ProviderConfig into provider.Config, keeping
// internal/provider free of a compile-time dependency on this package.
func (c ProviderConfig) ToProvider() provider.Config {
	return provider.Config{
		BaseURL:       c.BaseURL,
		Timeout:       c.ConnTimeout,
		SigningSecret: c.SigningSecret,
	}
}

// ToPolicy converts RetryConfig into retry.Policy.
func (c RetryConfig) ToPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxAttempts,
		Backoff:      retry.Backoff(c.Backoff),
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		JitterFactor: c.JitterFactor,
	}
}
