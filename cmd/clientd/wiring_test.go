package main

import (
	"testing"
	"time"

	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/kv"
)

func TestOpenStore(t *testing.T) {
	store, closer, err := openStore(config.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*kv.Memory); !ok {
		t.Errorf("expected *kv.Memory, got %T", store)
	}
	closer.Close()

	store, closer, err = openStore(config.StorageConfig{Driver: "file", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if _, ok := store.(*kv.File); !ok {
		t.Errorf("expected *kv.File, got %T", store)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("file close: %v", err)
	}

	// The redis client connects lazily, so construction succeeds offline.
	store, closer, err = openStore(config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addrs: []string{"127.0.0.1:1"}}})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if _, ok := store.(kv.Pinger); !ok {
		t.Errorf("expected redis store to be a Pinger, got %T", store)
	}
	closer.Close()

	if _, _, err := openStore(config.StorageConfig{Driver: "sqlite"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestRetryConfigFromConfig(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(`
backend:
  base_url: "http://localhost:3000"
  attempt_timeout: 4s
retry:
  base_delay: 250ms
  max_delay: 2s
  jitter: 0.1
endpoints:
  - name: diary.stats
    operation: diaryStats
`))
	if err != nil {
		t.Fatal(err)
	}
	rc := retryConfig(cfg)
	if rc.BaseDelay != 250*time.Millisecond || rc.MaxDelay != 2*time.Second || rc.AttemptTimeout != 4*time.Second || rc.Jitter != 0.1 {
		t.Errorf("unexpected retry config %+v", rc)
	}

	bc := breakerConfig(cfg.CircuitBreaker)
	if bc.HalfOpenMax != cfg.CircuitBreaker.HalfOpenMax || bc.WindowSize != cfg.CircuitBreaker.WindowSize {
		t.Errorf("unexpected breaker config %+v", bc)
	}
}

func TestCheckCatalogue(t *testing.T) {
	good := &config.Config{Endpoints: []config.EndpointConfig{
		{Name: "diary.stats", Verb: "GET", Operation: "diaryStats"},
	}}
	if err := checkCatalogue(good); err != nil {
		t.Errorf("valid catalogue rejected: %v", err)
	}

	// A verb-agnostic row and a verb-specific row for the same endpoint
	// cannot coexist.
	bad := &config.Config{Endpoints: []config.EndpointConfig{
		{Name: "diary", Operation: "diaryAny"},
		{Name: "diary", Verb: "POST", Operation: "createDiary"},
	}}
	if err := checkCatalogue(bad); err == nil {
		t.Error("expected ambiguous catalogue to be rejected")
	}
}
