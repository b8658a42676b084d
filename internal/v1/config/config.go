// Package config validates process-wide environment configuration for
// an embedding host: pipeline timeouts, chain-depth bounds, and the
// circuit-breaker/retry/lock-registry defaults the pipeline and router
// consume. None of it concerns network ports or provider
// credentials; this module never opens a socket.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

// Config holds validated environment configuration for the pipeline.
type Config struct {
	// GoEnv selects development vs. production log formatting.
	GoEnv    string
	LogLevel string

	// ProcessTimeout bounds steps 4-13 of the inbound pipeline.
	ProcessTimeout time.Duration
	// IdentityTimeout bounds the identity resolver.
	IdentityTimeout time.Duration
	// MaxChainDepth bounds reentry generations.
	MaxChainDepth int

	// LockRegistrySize bounds the lock manager's LRU registry.
	LockRegistrySize int

	// Breaker settings, applied to every binding's breaker.
	BreakerFailureThreshold int
	BreakerRecoveryTime     time.Duration

	// Retry defaults, applied to transport-category bindings.
	RetryMaxRetries      int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryExponentialBase float64

	// RedisAddr, if set, backs an optional redis-based realtime bus
	// (internal/v1/realtime/redisbus) instead of the in-process default.
	RedisAddr     string
	RedisEnabled  bool
	RedisPassword string
}

// ValidateEnv validates all environment variables and returns a Config.
// Validation errors are collected and returned together rather than
// failing on the first one, so a host sees every problem in one pass.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	var err error
	cfg.ProcessTimeout, err = getDurationOrDefault("PROCESS_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.IdentityTimeout, err = getDurationOrDefault("IDENTITY_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.MaxChainDepth, err = getIntOrDefault("MAX_CHAIN_DEPTH", 3)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MaxChainDepth < 0 {
		errs = append(errs, "MAX_CHAIN_DEPTH must be >= 0")
	}

	cfg.LockRegistrySize, err = getIntOrDefault("LOCK_REGISTRY_SIZE", 1024)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.LockRegistrySize < 1 {
		errs = append(errs, "LOCK_REGISTRY_SIZE must be >= 1")
	}

	cfg.BreakerFailureThreshold, err = getIntOrDefault("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.BreakerRecoveryTime, err = getDurationOrDefault("BREAKER_RECOVERY_TIME", 60*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.RetryMaxRetries, err = getIntOrDefault("RETRY_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RetryBaseDelay, err = getDurationOrDefault("RETRY_BASE_DELAY", 200*time.Millisecond)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RetryMaxDelay, err = getDurationOrDefault("RETRY_MAX_DELAY", 10*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RetryExponentialBase, err = getFloatOrDefault("RETRY_EXPONENTIAL_BASE", 2.0)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port > 0 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"process_timeout", cfg.ProcessTimeout,
		"identity_timeout", cfg.IdentityTimeout,
		"max_chain_depth", cfg.MaxChainDepth,
		"lock_registry_size", cfg.LockRegistrySize,
		"breaker_failure_threshold", cfg.BreakerFailureThreshold,
		"breaker_recovery_time", cfg.BreakerRecoveryTime,
		"redis_enabled", cfg.RedisEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration (got %q): %w", key, raw, err)
	}
	return d, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q): %w", key, raw, err)
	}
	return v, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (got %q): %w", key, raw, err)
	}
	return v, nil
}
