package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
security:
  handoff_secret: s3cret
kinds:
  kream_products:
    mode: Paginate
    executor:
      url: "http://scraper/kream?page={id}"
  receipts:
    mode: handoff
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Port != 8080 || cfg.Storage.Jobs != "memory" || cfg.Storage.Handoff != "memory" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.HTTP, cfg.Storage)
	}
	if cfg.Engine.PollInterval != 2*time.Second || cfg.Engine.PollMaxAttempts != 10 {
		t.Fatalf("poll defaults: %+v", cfg.Engine)
	}
	k := cfg.Kinds["kream_products"]
	if k.Mode != "paginate" || k.Concurrency != 3 || k.Executor.Method != "POST" || k.Executor.Timeout != 30*time.Second {
		t.Fatalf("kind defaults not inherited: %+v", k)
	}
	if k.Paginate.MaxPages != 500 {
		t.Fatalf("max pages = %d", k.Paginate.MaxPages)
	}
	if cfg.Handoff.DefaultTTL != 10*time.Minute || cfg.Handoff.MaxTTL != time.Hour {
		t.Fatalf("handoff defaults: %+v", cfg.Handoff)
	}
}

func TestParse_Validation(t *testing.T) {
	cases := map[string]string{
		"no kinds":         "security: {handoff_secret: x}\n",
		"bad mode":         minimal + "  other:\n    mode: stream\n",
		"http without url": minimal + "  other:\n    executor: {type: http}\n",
		"bad executor":     minimal + "  other:\n    executor: {type: grpc}\n",
		"postgres no url":  minimal + "storage: {jobs: postgres}\n",
		"redis no url":     minimal + "storage: {handoff: redis}\n",
		"shared limit":     minimal + "  other:\n    executor: {type: noop}\n    shared_limit: {key: codef, limit: 5}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), false); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}

	t.Run("should require a handoff secret outside dev", func(t *testing.T) {
		doc := strings.Replace(minimal, "handoff_secret: s3cret", "handoff_secret: \"\"", 1)
		if _, err := Parse([]byte(doc), false); err == nil {
			t.Fatal("expected an error without handoff_secret")
		}
		if _, err := Parse([]byte(doc), true); err != nil {
			t.Fatalf("dev mode should allow an empty secret: %v", err)
		}
	})
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("JOBS_TEST_REDIS", "redis.internal:6379")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := minimal + "redis:\n  url: ${JOBS_TEST_REDIS}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Redis.URL != "redis.internal:6379" || cfg.Redis.TTL != time.Hour {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
