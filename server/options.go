package server

import (
	"time"

	"go.uber.org/zap"

	"platform-channel/registry"
)

type Option func(*Server)

// WithLogger sets the server logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry publishes every channel to reg under advertiseAddr while the server runs.
// advertiseAddr differs from the listen address because ":8080" is not routable.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// WithInstance sets the weight and version published for this host.
func WithInstance(weight int, version string) Option {
	return func(s *Server) {
		s.weight = weight
		s.version = version
	}
}

// WithRegistryTimeout bounds each registry round trip.
func WithRegistryTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.registryTimeout = d
	}
}
