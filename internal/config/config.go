package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const envPrefix = "TASKQUEUE_"

// Duration reads "20m"-style strings from YAML and TOML files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Index       IndexConfig       `yaml:"index" toml:"index"`
	Policy      PolicyConfig      `yaml:"policy" toml:"policy"`
	Events      EventsConfig      `yaml:"events" toml:"events"`
	Cron        CronConfig        `yaml:"cron" toml:"cron"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
}

type StoreConfig struct {
	Path        string   `yaml:"path" toml:"path"`
	BusyTimeout Duration `yaml:"busyTimeout" toml:"busy_timeout"`
	WAL         bool     `yaml:"wal" toml:"wal"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// IndexConfig selects where pending-work hints live. "sqlite" keeps them in
// the state store; "redis" uses sorted sets.
type IndexConfig struct {
	Backend    string      `yaml:"backend" toml:"backend"`
	Visibility Duration    `yaml:"visibility" toml:"visibility"`
	Redis      RedisConfig `yaml:"redis" toml:"redis"`
}

type PolicyConfig struct {
	ClaimTimeout         Duration `yaml:"claimTimeout" toml:"claim_timeout"`
	PollBackoff          Duration `yaml:"pollBackoff" toml:"poll_backoff"`
	ResolverPollInterval Duration `yaml:"resolverPollInterval" toml:"resolver_poll_interval"`
	ResolverBatchSize    int      `yaml:"resolverBatchSize" toml:"resolver_batch_size"`
	ReaperBatchSize      int      `yaml:"reaperBatchSize" toml:"reaper_batch_size"`
	SweepBatchSize       int      `yaml:"sweepBatchSize" toml:"sweep_batch_size"`
	MaxTaskDeadline      Duration `yaml:"maxTaskDeadline" toml:"max_task_deadline"`
	MaxRunsAllowed       int      `yaml:"maxRunsAllowed" toml:"max_runs_allowed"`
	FreeWorkerRetries    bool     `yaml:"freeWorkerRetries" toml:"free_worker_retries"`
}

type RedisStreamConfig struct {
	Enabled bool        `yaml:"enabled" toml:"enabled"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
	MaxLen  int64       `yaml:"maxLen" toml:"max_len"`
}

type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix" toml:"subject_prefix"`
}

// EventsConfig lists the publishers events fan out to. Empty values leave a
// publisher off.
type EventsConfig struct {
	RedisStream  RedisStreamConfig `yaml:"redisStream" toml:"redis_stream"`
	NATS         NATSConfig        `yaml:"nats" toml:"nats"`
	AuditLogPath string            `yaml:"auditLogPath" toml:"audit_log_path"`
	// AsyncBuffer > 0 publishes through a buffered queue; publish errors
	// then no longer reach the caller.
	AsyncBuffer int  `yaml:"asyncBuffer" toml:"async_buffer"`
	OTel        bool `yaml:"otel" toml:"otel"`
}

// CronConfig holds the cron specs of the maintenance jobs. An empty spec
// disables the job.
type CronConfig struct {
	ClaimReaper    string `yaml:"claimReaper" toml:"claim_reaper"`
	DeadlineReaper string `yaml:"deadlineReaper" toml:"deadline_reaper"`
	ExpirySweeper  string `yaml:"expirySweeper" toml:"expiry_sweeper"`
	RepairHints    string `yaml:"repairHints" toml:"repair_hints"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type CredentialsConfig struct {
	ClientID string `yaml:"clientId" toml:"client_id"`
	Secret   string `yaml:"secret" toml:"secret"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:        "./.taskqueue/queue.db",
			BusyTimeout: Duration(5 * time.Second),
			WAL:         true,
		},
		Index: IndexConfig{
			Backend:    "sqlite",
			Visibility: Duration(5 * time.Minute),
			Redis:      RedisConfig{Addr: "127.0.0.1:6379", Prefix: "taskqueue:hints"},
		},
		Events: EventsConfig{
			RedisStream: RedisStreamConfig{Redis: RedisConfig{Addr: "127.0.0.1:6379", Prefix: "taskqueue:events"}},
			NATS:        NATSConfig{SubjectPrefix: "taskqueue"},
		},
		Cron: CronConfig{
			ClaimReaper:    "@every 1m",
			DeadlineReaper: "@every 1m",
			ExpirySweeper:  "@every 1h",
			RepairHints:    "@every 10m",
		},
		Metrics:     MetricsConfig{Addr: ":9464"},
		Credentials: CredentialsConfig{ClientID: "static/taskqueue"},
	}
}

// Load reads .env from the working directory when present, then the config
// file at path (YAML or TOML by extension, optional), then TASKQUEUE_*
// environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config file %q as YAML: %w", path, err)
		}
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return fmt.Errorf("decode config file %q as TOML: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file %q (use .yaml, .yml or .toml)", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Store.Path = StringEnv(envPrefix+"STORE_PATH", cfg.Store.Path)
	cfg.Store.BusyTimeout = Duration(ParseDurationEnv(envPrefix+"STORE_BUSY_TIMEOUT", cfg.Store.BusyTimeout.Std()))
	cfg.Store.WAL = ParseBoolEnv(envPrefix+"STORE_WAL", cfg.Store.WAL)

	cfg.Index.Backend = strings.ToLower(StringEnv(envPrefix+"INDEX_BACKEND", cfg.Index.Backend))
	cfg.Index.Visibility = Duration(ParseDurationEnv(envPrefix+"INDEX_VISIBILITY", cfg.Index.Visibility.Std()))
	cfg.Index.Redis.Addr = StringEnv(envPrefix+"REDIS_ADDR", cfg.Index.Redis.Addr)
	cfg.Index.Redis.Password = StringEnv(envPrefix+"REDIS_PASSWORD", cfg.Index.Redis.Password)
	cfg.Index.Redis.DB = ParseIntEnv(envPrefix+"REDIS_DB", cfg.Index.Redis.DB)

	p := &cfg.Policy
	p.ClaimTimeout = Duration(ParseDurationEnv(envPrefix+"CLAIM_TIMEOUT", p.ClaimTimeout.Std()))
	p.PollBackoff = Duration(ParseDurationEnv(envPrefix+"POLL_BACKOFF", p.PollBackoff.Std()))
	p.MaxTaskDeadline = Duration(ParseDurationEnv(envPrefix+"MAX_TASK_DEADLINE", p.MaxTaskDeadline.Std()))
	p.FreeWorkerRetries = ParseBoolEnv(envPrefix+"FREE_WORKER_RETRIES", p.FreeWorkerRetries)

	cfg.Events.RedisStream.Enabled = ParseBoolEnv(envPrefix+"EVENTS_REDIS_STREAM", cfg.Events.RedisStream.Enabled)
	cfg.Events.NATS.URL = StringEnv(envPrefix+"NATS_URL", cfg.Events.NATS.URL)
	cfg.Events.AuditLogPath = StringEnv(envPrefix+"AUDIT_LOG_PATH", cfg.Events.AuditLogPath)
	cfg.Events.OTel = ParseBoolEnv(envPrefix+"OTEL", cfg.Events.OTel)

	cfg.Metrics.Addr = StringEnv(envPrefix+"METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Credentials.ClientID = StringEnv(envPrefix+"CREDENTIALS_CLIENT_ID", cfg.Credentials.ClientID)
	cfg.Credentials.Secret = StringEnv(envPrefix+"CREDENTIALS_SECRET", cfg.Credentials.Secret)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Store.Path) == "" {
		problems = append(problems, "store.path is required")
	}
	switch c.Index.Backend {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Index.Redis.Addr) == "" {
			problems = append(problems, "index.redis.addr is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported index.backend %q (use sqlite or redis)", c.Index.Backend))
	}
	if c.Policy.ClaimTimeout < 0 || c.Policy.PollBackoff < 0 || c.Policy.MaxTaskDeadline < 0 {
		problems = append(problems, "policy durations must not be negative")
	}
	if c.Policy.ResolverBatchSize < 0 || c.Policy.ReaperBatchSize < 0 || c.Policy.SweepBatchSize < 0 {
		problems = append(problems, "policy batch sizes must not be negative")
	}
	if c.Events.RedisStream.Enabled && strings.TrimSpace(c.Events.RedisStream.Redis.Addr) == "" {
		problems = append(problems, "events.redisStream.redis.addr is required when enabled")
	}
	if c.Events.AsyncBuffer < 0 {
		problems = append(problems, "events.asyncBuffer must not be negative")
	}
	if c.Credentials.Secret != "" && len(c.Credentials.Secret) < 16 {
		problems = append(problems, "credentials.secret must be at least 16 characters")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
