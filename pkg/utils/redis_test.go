package utils

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyScriptsInitialized(t *testing.T) {
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireConcurrencyCap_ValidatesArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireConcurrencyCap(ctx, nil, "k", 1, time.Second); err == nil {
		t.Fatalf("expected nil client error")
	}
	if err := ReleaseConcurrencyCap(ctx, nil, "k"); err == nil {
		t.Fatalf("expected nil client error")
	}
}

func TestJSONHelpers_NilClient(t *testing.T) {
	var v map[string]any
	if err := GetJSON(context.Background(), nil, "k", &v); err == nil {
		t.Fatalf("expected error")
	}
	if err := SetJSON(context.Background(), nil, "k", v, time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{MinIdleConns: -1}.withDefaults()
	if c.PoolSize != 20 || c.MinIdleConns != 0 || c.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
