package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "taskqueue.yaml", `
store:
  path: /var/lib/taskqueue/queue.db
  wal: false
index:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
policy:
  claimTimeout: 10m
  freeWorkerRetries: true
events:
  nats:
    url: nats://nats:4222
cron:
  expirySweeper: "@every 30m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "/var/lib/taskqueue/queue.db" || cfg.Store.WAL {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Index.Backend != "redis" || cfg.Index.Redis.Addr != "redis:6379" || cfg.Index.Redis.DB != 2 {
		t.Fatalf("unexpected index config: %+v", cfg.Index)
	}
	if cfg.Index.Redis.Prefix != "taskqueue:hints" {
		t.Fatalf("unset fields should keep defaults, got prefix %q", cfg.Index.Redis.Prefix)
	}
	if cfg.Policy.ClaimTimeout.Std() != 10*time.Minute || !cfg.Policy.FreeWorkerRetries {
		t.Fatalf("unexpected policy config: %+v", cfg.Policy)
	}
	if cfg.Events.NATS.URL != "nats://nats:4222" || cfg.Cron.ExpirySweeper != "@every 30m" {
		t.Fatalf("unexpected events/cron config: %+v %+v", cfg.Events, cfg.Cron)
	}
	if cfg.Cron.ClaimReaper != "@every 1m" {
		t.Fatalf("claim reaper spec lost its default: %q", cfg.Cron.ClaimReaper)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "taskqueue.toml", `
[store]
path = "/data/queue.db"

[policy]
poll_backoff = "500ms"
max_runs_allowed = 10

[events.redis_stream]
enabled = true
max_len = 1000

[credentials]
secret = "0123456789abcdef0123"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "/data/queue.db" || cfg.Policy.PollBackoff.Std() != 500*time.Millisecond || cfg.Policy.MaxRunsAllowed != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Events.RedisStream.Enabled || cfg.Events.RedisStream.MaxLen != 1000 || cfg.Events.RedisStream.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected redis stream config: %+v", cfg.Events.RedisStream)
	}
	if cfg.Credentials.Secret != "0123456789abcdef0123" {
		t.Fatalf("unexpected secret: %q", cfg.Credentials.Secret)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TASKQUEUE_NATS_URL=nats://from-dotenv:4222\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Setenv("TASKQUEUE_NATS_URL", "")
	os.Unsetenv("TASKQUEUE_NATS_URL")
	t.Setenv("TASKQUEUE_INDEX_BACKEND", "REDIS")
	t.Setenv("TASKQUEUE_CLAIM_TIMEOUT", "90s")
	t.Setenv("TASKQUEUE_STORE_WAL", "off")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Index.Backend != "redis" {
		t.Fatalf("expected backend override, got %q", cfg.Index.Backend)
	}
	if cfg.Policy.ClaimTimeout.Std() != 90*time.Second {
		t.Fatalf("expected claim timeout override, got %s", cfg.Policy.ClaimTimeout.Std())
	}
	if cfg.Store.WAL {
		t.Fatal("expected WAL disabled by env")
	}
	if cfg.Events.NATS.URL != "nats://from-dotenv:4222" {
		t.Fatalf("expected .env value, got %q", cfg.Events.NATS.URL)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]struct {
		name    string
		content string
		want    string
	}{
		"unknown extension": {name: "cfg.ini", content: "x=1", want: "unsupported config file"},
		"bad yaml":          {name: "cfg.yaml", content: "store: [", want: "as YAML"},
		"bad duration":      {name: "cfg.toml", content: "[policy]\nclaim_timeout = \"soon\"", want: "as TOML"},
		"bad backend":       {name: "cfg.yaml", content: "index:\n  backend: etcd", want: "unsupported index.backend"},
		"short secret":      {name: "cfg.yaml", content: "credentials:\n  secret: short", want: "at least 16"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.name, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseBoolString(t *testing.T) {
	for raw, want := range map[string]bool{"yes": true, "ON": true, "0": false, "off": false, "maybe": true} {
		if got := ParseBoolString(raw, true); got != want {
			t.Fatalf("ParseBoolString(%q) = %v, want %v", raw, got, want)
		}
	}
}
