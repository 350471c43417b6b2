package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/trendy-lights/internal/config"
)

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{"default", config.Config{}, BackendInMemory, false},
		{"in_memory", config.Config{CacheBackend: "in_memory"}, BackendInMemory, false},
		{"memcached", config.Config{CacheBackend: "memcached", MemcachedAddrs: "localhost:11211", MemcachedTimeout: time.Second}, BackendMemcached, false},
		{"redis", config.Config{CacheBackend: "redis", RedisAddr: "localhost:6379"}, BackendRedis, false},
		{"badger", config.Config{CacheBackend: "badger", BadgerDir: filepath.Join(t.TempDir(), "badger")}, BackendBadger, false},
		{"unknown", config.Config{CacheBackend: "dynamo"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			c, err := New(&cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer c.Close()
			if c.Backend() != tt.want {
				t.Errorf("Backend() = %q, want %q", c.Backend(), tt.want)
			}
		})
	}
}
