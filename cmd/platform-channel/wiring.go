package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"platform-channel/client"
	"platform-channel/config"
	"platform-channel/loadbalance"
	"platform-channel/middleware"
	"platform-channel/platform"
	"platform-channel/registry"
	"platform-channel/server"
)

func newRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Registry.Kind != "etcd" {
		return registry.NewMemoryRegistry(), func() {}, nil
	}
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints:   cfg.Registry.Endpoints,
		DialTimeout: cfg.Registry.DialTimeout.Std(),
		Prefix:      cfg.Registry.Prefix,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return reg, func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing registry", zap.Error(err))
		}
	}, nil
}

// newServer builds a server hosting the platform responder with the configured middleware.
func newServer(cfg *config.Config, reg registry.Registry, logger *zap.Logger) (*server.Server, error) {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithInstance(cfg.Server.Weight, cfg.Server.Version),
	}
	if cfg.Registry.Kind == "etcd" {
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr(), cfg.Registry.TTL))
	}
	svr := server.NewServer(opts...)

	svr.Use(middleware.RecoveryMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	// Retry runs inside Timeout: the deadline bounds every attempt together.
	if cfg.Middleware.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Middleware.Timeout.Std()))
	}
	if cfg.Middleware.Retry.Max > 0 {
		svr.Use(middleware.RetryMiddleware(cfg.Middleware.Retry.Max, cfg.Middleware.Retry.BaseDelay.Std(), logger))
	}
	if rl := cfg.Middleware.RateLimit; rl.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(rl.Rate, rl.Burst))
	}

	if err := svr.RegisterChannel(cfg.Server.Channel, platform.NewResponder()); err != nil {
		return nil, err
	}
	return svr, nil
}

// newClient resolves hosts through etcd, or through a one-entry memory
// registry pointing at addr when no etcd is configured.
func newClient(cfg *config.Config, channelName, addr string, logger *zap.Logger) (*client.Client, func(), error) {
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, nil, err
	}

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if mem, ok := reg.(*registry.MemoryRegistry); ok {
		if addr == "" {
			addr = cfg.Server.Listen
		}
		if err := mem.Register(context.Background(), channelName, registry.NewInstance(addr, cfg.Server.Version), 0); err != nil {
			return nil, nil, fmt.Errorf("static host %s: %w", addr, err)
		}
	}

	opts := []client.Option{
		client.WithCodec(cfg.CodecType()),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithTimeout(cfg.Client.Timeout.Std()),
		client.WithLogger(logger),
	}
	if v := cfg.MinVersion(); v != nil {
		opts = append(opts, client.WithMinVersion(v))
	}
	cli := client.NewClient(reg, bal, opts...)
	return cli, func() {
		cli.Close()
		closeRegistry()
	}, nil
}
