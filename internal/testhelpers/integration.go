//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	EarthEngineURL     string
	EarthEngineProject string
	Account            string
	PrivateKeyFile     string
	MemcachedAddr      string
	RedisAddr          string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test when Earth Engine credentials are not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		EarthEngineURL:     os.Getenv("EE_URL"),
		EarthEngineProject: os.Getenv("EE_PROJECT"),
		Account:            os.Getenv("EE_ACCOUNT"),
		PrivateKeyFile:     os.Getenv("EE_PRIVATE_KEY_FILE"),
		MemcachedAddr:      os.Getenv("MEMCACHED_ADDRS"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
	}
	if cfg.EarthEngineProject == "" || cfg.PrivateKeyFile == "" {
		t.Skip("EE_PROJECT / EE_PRIVATE_KEY_FILE not set, skipping integration test")
	}
	if cfg.EarthEngineURL == "" {
		cfg.EarthEngineURL = "https://earthengine.googleapis.com"
	}
	return cfg
}

// MemcachedAddr returns the memcached address for cache integration tests.
func MemcachedAddr() string {
	if addr := os.Getenv("MEMCACHED_ADDRS"); addr != "" {
		return addr
	}
	return "localhost:11211"
}

// RedisAddr returns the redis address for cache integration tests.
func RedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}
