package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Context   ContextConfig
	Pipeline  PipelineConfig
	Agents    AgentsConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	ContextsPerMin  int
	JobsPerMin      int
	PipelinePerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// ContextConfig tunes the context store.
type ContextConfig struct {
	InlineThresholdBytes int     // payloads above this go to blob storage
	DefaultTTLHours      float64 // logical expiry when the caller sets none
	CompressionRatio     float64 // adopt compressed form only below this fraction of raw size
	RetentionHours       int     // physical Redis retention, kept longer than the logical TTL so sweeps can still see expired records
}

// PipelineConfig tunes the orchestrator and job tracker.
type PipelineConfig struct {
	MinSuccessfulSteps int // quorum: stages that must succeed for an overall pass
	JobRetentionHours  int
}

// AgentsConfig holds the per-stage agent endpoints.
type AgentsConfig struct {
	TopicURL    string
	ScriptURL   string
	MediaURL    string
	AudioURL    string
	AssemblyURL string
	PublishURL  string
	Timeout     int // seconds, caller-side budget per stage call
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("context.inline_threshold_bytes", "CONTEXT_INLINE_THRESHOLD_BYTES")
	_ = viper.BindEnv("context.default_ttl_hours", "CONTEXT_DEFAULT_TTL_HOURS")
	_ = viper.BindEnv("context.compression_ratio", "CONTEXT_COMPRESSION_RATIO")
	_ = viper.BindEnv("context.retention_hours", "CONTEXT_RETENTION_HOURS")
	_ = viper.BindEnv("pipeline.min_successful_steps", "PIPELINE_MIN_SUCCESSFUL_STEPS")
	_ = viper.BindEnv("pipeline.job_retention_hours", "PIPELINE_JOB_RETENTION_HOURS")
	_ = viper.BindEnv("agents.topic_url", "AGENT_TOPIC_URL")
	_ = viper.BindEnv("agents.script_url", "AGENT_SCRIPT_URL")
	_ = viper.BindEnv("agents.media_url", "AGENT_MEDIA_URL")
	_ = viper.BindEnv("agents.audio_url", "AGENT_AUDIO_URL")
	_ = viper.BindEnv("agents.assembly_url", "AGENT_ASSEMBLY_URL")
	_ = viper.BindEnv("agents.publish_url", "AGENT_PUBLISH_URL")
	_ = viper.BindEnv("agents.timeout", "AGENT_TIMEOUT")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.contexts_per_min", 120)
	viper.SetDefault("ratelimit.jobs_per_min", 60)
	viper.SetDefault("ratelimit.pipeline_per_hour", 10)

	// Context store defaults. The inline threshold keeps records under
	// the metadata store's per-item comfort zone with headroom for the
	// record envelope.
	viper.SetDefault("context.inline_threshold_bytes", 350*1024)
	viper.SetDefault("context.default_ttl_hours", 24.0)
	viper.SetDefault("context.compression_ratio", 0.8)
	viper.SetDefault("context.retention_hours", 7*24)

	// Pipeline defaults: six stages, at least half must succeed
	viper.SetDefault("pipeline.min_successful_steps", 3)
	viper.SetDefault("pipeline.job_retention_hours", 24)

	// Agent defaults
	viper.SetDefault("agents.topic_url", "http://localhost:8081")
	viper.SetDefault("agents.script_url", "http://localhost:8082")
	viper.SetDefault("agents.media_url", "http://localhost:8083")
	viper.SetDefault("agents.audio_url", "http://localhost:8084")
	viper.SetDefault("agents.assembly_url", "http://localhost:8085")
	viper.SetDefault("agents.publish_url", "http://localhost:8086")
	viper.SetDefault("agents.timeout", 120)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			ContextsPerMin:  viper.GetInt("ratelimit.contexts_per_min"),
			JobsPerMin:      viper.GetInt("ratelimit.jobs_per_min"),
			PipelinePerHour: viper.GetInt("ratelimit.pipeline_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Context: ContextConfig{
			InlineThresholdBytes: viper.GetInt("context.inline_threshold_bytes"),
			DefaultTTLHours:      viper.GetFloat64("context.default_ttl_hours"),
			CompressionRatio:     viper.GetFloat64("context.compression_ratio"),
			RetentionHours:       viper.GetInt("context.retention_hours"),
		},
		Pipeline: PipelineConfig{
			MinSuccessfulSteps: viper.GetInt("pipeline.min_successful_steps"),
			JobRetentionHours:  viper.GetInt("pipeline.job_retention_hours"),
		},
		Agents: AgentsConfig{
			TopicURL:    viper.GetString("agents.topic_url"),
			ScriptURL:   viper.GetString("agents.script_url"),
			MediaURL:    viper.GetString("agents.media_url"),
			AudioURL:    viper.GetString("agents.audio_url"),
			AssemblyURL: viper.GetString("agents.assembly_url"),
			PublishURL:  viper.GetString("agents.publish_url"),
			Timeout:     viper.GetInt("agents.timeout"),
		},
	}

	return cfg, nil
}
