package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func unsetTrackstoreEnv() {
	_ = os.Unsetenv("TRACKSTORE_BACKEND_URL")
	_ = os.Unsetenv("TRACKSTORE_POOL_SIZE")
	_ = os.Unsetenv("TRACKSTORE_BREAKER_THRESHOLD")
	_ = os.Unsetenv("TRACKSTORE_BREAKER_COOLDOWN")
	_ = os.Unsetenv("TRACKSTORE_BATCH_INTERVAL")
	_ = os.Unsetenv("TRACKSTORE_ENVIRONMENT")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetTrackstoreEnv()

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379/0", cfg.BackendURL)
	require.Equal(t, 10, cfg.PoolSize)
	require.Equal(t, 5, cfg.BreakerThreshold)
	require.Equal(t, 100, cfg.BatchThreshold)
	require.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	require.Equal(t, 5*time.Minute, cfg.BreakerMaxCooldown)
	require.Equal(t, 3, cfg.BreakerSuccessStreak)
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	unsetTrackstoreEnv()
	_ = os.Setenv("TRACKSTORE_POOL_SIZE", "32")
	_ = os.Setenv("TRACKSTORE_BATCH_INTERVAL", "250ms")
	defer unsetTrackstoreEnv()

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, 32, cfg.PoolSize)
	require.Equal(t, 250*time.Millisecond, cfg.BatchInterval)
}

func TestConfigLoad_RejectsBadEnvironment(t *testing.T) {
	unsetTrackstoreEnv()
	_ = os.Setenv("TRACKSTORE_ENVIRONMENT", "staging")
	defer unsetTrackstoreEnv()

	_, err := New()
	require.Error(t, err)
}

func TestResolveDefaults_RejectsBadValues(t *testing.T) {
	cfg := NewForTesting()
	cfg.PoolSize = 0
	require.Error(t, cfg.ResolveDefaults())

	cfg = NewForTesting()
	cfg.BreakerMaxCooldown = cfg.BreakerCooldown / 2
	require.Error(t, cfg.ResolveDefaults())

	cfg = NewForTesting()
	cfg.LogLevel = "chatty"
	require.Error(t, cfg.ResolveDefaults())
}
