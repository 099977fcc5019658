// Package config loads service configuration from defaults, an optional
// YAML file and PIPELINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/autoscale"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/notify"
	"github.com/maciekb2/content-pipeline/pkg/pipeline"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/spf13/viper"
)

const EnvPrefix = "PIPELINE"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	NATS      bus.Config      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     store.Config    `mapstructure:"store"`
	AI        ai.Config       `mapstructure:"ai"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Autoscale AutoscaleConfig `mapstructure:"autoscale"`
	Stage     StageConfig     `mapstructure:"stage"`
	Notify    notify.Config   `mapstructure:"notify"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RetryConfig struct {
	Audit        bus.RetryPolicy `mapstructure:"audit"`
	Vector       bus.RetryPolicy `mapstructure:"vector"`
	Notification bus.RetryPolicy `mapstructure:"notification"`
}

// For returns the policy of the named stage.
func (r RetryConfig) For(stage string) bus.RetryPolicy {
	switch stage {
	case bus.StageVector:
		return r.Vector
	case bus.StageNotification:
		return r.Notification
	}
	return r.Audit
}

type AutoscaleConfig struct {
	Audit  autoscale.Config `mapstructure:"audit"`
	Vector autoscale.Config `mapstructure:"vector"`
}

func (a AutoscaleConfig) For(stage string) autoscale.Config {
	if stage == bus.StageVector {
		return a.Vector
	}
	return a.Audit
}

// StageConfig controls which stages a pipeline process runs and how their
// handlers bound external calls.
type StageConfig struct {
	Enabled         []string        `mapstructure:"enabled"`
	Timeouts        pipeline.Config `mapstructure:"timeouts"`
	FetchWait       time.Duration   `mapstructure:"fetch_wait"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// InboxConfig shapes the per-user notification lists.
type InboxConfig struct {
	Limit int64 `mapstructure:"limit"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	MetricsPort string `mapstructure:"metrics_port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("nats.url", bus.DefaultURL)
	v.SetDefault("nats.name", "")
	v.SetDefault("nats.timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.driver", store.DriverRedis)
	v.SetDefault("store.path", "/data/content")
	v.SetDefault("store.in_memory", false)

	aiDefaults := ai.DefaultConfig()
	v.SetDefault("ai.provider", aiDefaults.Provider)
	v.SetDefault("ai.host", aiDefaults.Host)
	v.SetDefault("ai.token", aiDefaults.Token)
	v.SetDefault("ai.classifier_model", aiDefaults.ClassifierModel)
	v.SetDefault("ai.embedding_model", aiDefaults.EmbeddingModel)
	v.SetDefault("ai.dimensions", aiDefaults.Dimensions)
	v.SetDefault("ai.body_limit", aiDefaults.BodyLimit)
	v.SetDefault("ai.attempts", aiDefaults.Attempts)

	for _, stage := range []string{bus.StageAudit, bus.StageVector, bus.StageNotification} {
		retry := bus.DefaultRetryPolicy
		v.SetDefault("retry."+stage+".max_attempts", retry.MaxAttempts)
		v.SetDefault("retry."+stage+".initial_backoff", retry.InitialBackoff)
		v.SetDefault("retry."+stage+".multiplier", retry.Multiplier)
		v.SetDefault("retry."+stage+".max_backoff", retry.MaxBackoff)
	}

	for _, stage := range []string{bus.StageAudit, bus.StageVector} {
		scale := autoscale.DefaultConfig()
		prefix := "autoscale." + stage + "."
		v.SetDefault(prefix+"interval", scale.Interval)
		v.SetDefault(prefix+"min_workers", scale.MinWorkers)
		v.SetDefault(prefix+"max_workers", scale.MaxWorkers)
		v.SetDefault(prefix+"deadband", scale.Deadband)
		v.SetDefault(prefix+"emergency_threshold", scale.EmergencyThreshold)
		v.SetDefault(prefix+"scale_up_cooldown", scale.ScaleUpCooldown)
		v.SetDefault(prefix+"scale_down_cooldown", scale.ScaleDownCooldown)
		v.SetDefault(prefix+"gains.kp", scale.Gains.Kp)
		v.SetDefault(prefix+"gains.ki", scale.Gains.Ki)
		v.SetDefault(prefix+"gains.kd", scale.Gains.Kd)
		v.SetDefault(prefix+"integral_guard", scale.IntegralGuard)
		v.SetDefault(prefix+"headroom_buffer", scale.HeadroomBuffer)
		v.SetDefault(prefix+"probe_timeout", scale.ProbeTimeout)
	}

	timeouts := pipeline.DefaultConfig()
	v.SetDefault("stage.enabled", []string{bus.StageAudit, bus.StageVector})
	v.SetDefault("stage.timeouts.lookup_retry_delay", timeouts.LookupRetryDelay)
	v.SetDefault("stage.timeouts.classify_timeout", timeouts.ClassifyTimeout)
	v.SetDefault("stage.timeouts.embed_timeout", timeouts.EmbedTimeout)
	v.SetDefault("stage.timeouts.store_timeout", timeouts.StoreTimeout)
	v.SetDefault("stage.timeouts.publish_timeout", timeouts.PublishTimeout)
	v.SetDefault("stage.fetch_wait", 2*time.Second)
	v.SetDefault("stage.shutdown_timeout", 10*time.Second)

	notifyDefaults := notify.DefaultConfig()
	v.SetDefault("notify.subject", notifyDefaults.Subject)
	v.SetDefault("notify.buffer", notifyDefaults.Buffer)
	v.SetDefault("notify.senders", notifyDefaults.Senders)
	v.SetDefault("notify.publish_timeout", notifyDefaults.PublishTimeout)

	v.SetDefault("inbox.limit", 500)

	v.SetDefault("telemetry.endpoint", "tempo:4317")
	v.SetDefault("telemetry.metrics_port", "2222")
}

// legacyEnv maps keys to the unprefixed variables the deployment manifests
// already set.
var legacyEnv = map[string]string{
	"nats.url":               "NATS_URL",
	"redis.addr":             "REDIS_ADDR",
	"telemetry.endpoint":     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.metrics_port": "METRICS_PORT",
	"log.level":              "LOG_LEVEL",
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, prefixed, env)
	}
	return v
}

// Load reads path when non-empty and returns the validated configuration.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Stage.Enabled = normalizeStages(cfg.Stage.Enabled)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeStages splits comma separated entries, as an env var yields a
// single string.
func normalizeStages(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool)
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			stage := strings.ToLower(strings.TrimSpace(part))
			if stage == "" || seen[stage] {
				continue
			}
			seen[stage] = true
			out = append(out, stage)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if err := c.AI.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case store.DriverRedis, store.DriverBadger:
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == store.DriverBadger && c.Store.Path == "" && !c.Store.InMemory {
		errs = append(errs, errors.New("store: badger needs a path or in_memory"))
	}
	for _, stage := range c.Stage.Enabled {
		q, err := bus.LookupQueue(stage)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage: %w", err))
			continue
		}
		if q.Stage != bus.StageAudit && q.Stage != bus.StageVector {
			errs = append(errs, fmt.Errorf("stage: %s is not a pipeline stage", stage))
		}
	}
	for name, policy := range map[string]bus.RetryPolicy{
		bus.StageAudit:        c.Retry.Audit,
		bus.StageVector:       c.Retry.Vector,
		bus.StageNotification: c.Retry.Notification,
	} {
		if policy.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("retry.%s: max_attempts must be at least 1", name))
		}
		if policy.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("retry.%s: multiplier %g must be at least 1", name, policy.Multiplier))
		}
	}
	for name, scale := range map[string]autoscale.Config{bus.StageAudit: c.Autoscale.Audit, bus.StageVector: c.Autoscale.Vector} {
		if err := scale.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("autoscale.%s: %w", name, err))
		}
	}
	if c.Inbox.Limit < 1 {
		errs = append(errs, errors.New("inbox: limit must be at least 1"))
	}
	return errors.Join(errs...)
}
