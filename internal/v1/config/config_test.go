package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 10*time.Second, cfg.IdentityTimeout)
	assert.Equal(t, 3, cfg.MaxChainDepth)
	assert.Equal(t, 1024, cfg.LockRegistrySize)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerRecoveryTime)
	assert.False(t, cfg.RedisEnabled)
}

func TestValidateEnv_Overrides(t *testing.T) {
	t.Setenv("PROCESS_TIMEOUT", "5s")
	t.Setenv("MAX_CHAIN_DEPTH", "1")
	t.Setenv("RETRY_EXPONENTIAL_BASE", "1.5")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 1, cfg.MaxChainDepth)
	assert.Equal(t, 1.5, cfg.RetryExponentialBase)
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	t.Setenv("PROCESS_TIMEOUT", "not-a-duration")
	t.Setenv("MAX_CHAIN_DEPTH", "-1")
	t.Setenv("LOCK_REGISTRY_SIZE", "0")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROCESS_TIMEOUT")
	assert.Contains(t, err.Error(), "MAX_CHAIN_DEPTH")
	assert.Contains(t, err.Error(), "LOCK_REGISTRY_SIZE")
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "no-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}
