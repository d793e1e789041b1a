package internal

import (
	"context"
	"log/slog"

	"github.com/starford/laguz/internal/gateway"
	"github.com/starford/laguz/internal/kernel"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	factory kernel.ProviderFactory
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithKernelFactory overrides how kernel providers are built. Used by
// embedders and tests that supply their own execution backend instead of
// a gateway.
func WithKernelFactory(factory kernel.ProviderFactory) Option {
	return func(a *application) {
		a.factory = factory
	}
}

// kernelFactory returns the configured provider factory, defaulting to
// gateway connections.
func (a *application) kernelFactory(cfg *Config, logger *slog.Logger) kernel.ProviderFactory {
	if a.factory != nil {
		return a.factory
	}
	return func(ctx context.Context, spec kernel.Spec) (kernel.Provider, error) {
		return gateway.Connect(ctx, gateway.Config{
			Endpoint: spec.Gateway,
			Token:    cfg.Gateway.Token,
			Logger:   logger,
		}, spec.Name)
	}
}
