package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/avesa-io/avesa/internal/config"
)

// Default server configuration values.
const (
	defaultPort            = 8080
	defaultHost            = "0.0.0.0"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxRequestSize  = int64(1 << 20) // 1 MiB
	defaultCORSMaxAge      = 86400
	maxPort                = 65535
)

// Server configuration errors.
var (
	ErrInvalidPort           = errors.New("invalid port")
	ErrInvalidReadTimeout    = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout   = errors.New("write timeout must be positive")
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds HTTP server configuration for the operational API.
	ServerConfig struct {
		Port            int
		Host            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		LogLevel        slog.Level
		MaxRequestSize  int64

		// CORS settings
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables
// with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("AVESA_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("AVESA_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("AVESA_SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("AVESA_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("AVESA_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:        config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		MaxRequestSize:  config.GetEnvInt64("AVESA_MAX_REQUEST_SIZE", defaultMaxRequestSize),

		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("AVESA_CORS_ALLOWED_ORIGINS", "*")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("AVESA_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("AVESA_CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Api-Key,X-Correlation-ID")),
		CORSMaxAge: config.GetEnvInt("AVESA_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the host:port address string for the server to listen on.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the configuration for invalid values.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}

// GetAllowedOrigins returns the allowed CORS origins.
func (c *ServerConfig) GetAllowedOrigins() []string { return c.CORSAllowedOrigins }

// GetAllowedMethods returns the allowed CORS methods.
func (c *ServerConfig) GetAllowedMethods() []string { return c.CORSAllowedMethods }

// GetAllowedHeaders returns the allowed CORS headers.
func (c *ServerConfig) GetAllowedHeaders() []string { return c.CORSAllowedHeaders }

// GetMaxAge returns the CORS preflight cache max age in seconds.
func (c *ServerConfig) GetMaxAge() int { return c.CORSMaxAge }
