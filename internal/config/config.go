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
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Gateway    GatewayConfig
	Clsi       ClsiConfig
	Affinity   AffinityConfig
	Cache      CacheConfig
	Compile    CompileConfig
	Web        WebConfig
	DocUpdater DocUpdaterConfig
	Blob       BlobConfig
	Analytics  AnalyticsConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type GatewayConfig struct {
	Enabled bool
}

// ClsiConfig addresses the compile node fleets. ShadowURL empty disables
// shadow dispatch entirely.
type ClsiConfig struct {
	URL                string
	ShadowURL          string
	CookieName         string
	CompileTimeout     int // seconds, the long LaTeX budget
	ProbeTimeout       int // seconds, status/instance-state calls
	ShadowBackendClass string
}

type AffinityConfig struct {
	TTLMinutes        int
	RegularTTLMinutes int
	RegularPrefix     string
}

type CacheConfig struct {
	Shards         []string
	TimeoutSeconds int
}

type CompileConfig struct {
	MaxSizeBytes              int64
	DedupWindowSeconds        int
	AutoCompileGlobalLimit    int64
	AutoCompileGlobalWindow   int // seconds
	AutoCompileStandardLimit  int64
	AutoCompileStandardWindow int // seconds
}

type WebConfig struct {
	URL     string
	Timeout int // seconds
}

type DocUpdaterConfig struct {
	URL     string
	Timeout int // seconds
}

type BlobConfig struct {
	Endpoint         string
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Bucket           string
	URLExpiryMinutes int
}

type AnalyticsConfig struct {
	URL string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("BLOB_ACCESS_KEY_ID")
	readSecret("BLOB_SECRET_ACCESS_KEY")

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
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("clsi.url", "CLSI_URL")
	_ = viper.BindEnv("clsi.shadow_url", "CLSI_SHADOW_URL")
	_ = viper.BindEnv("clsi.cookie_name", "CLSI_COOKIE_NAME")
	_ = viper.BindEnv("clsi.compile_timeout", "CLSI_COMPILE_TIMEOUT")
	_ = viper.BindEnv("clsi.probe_timeout", "CLSI_PROBE_TIMEOUT")
	_ = viper.BindEnv("clsi.shadow_backend_class", "CLSI_SHADOW_BACKEND_CLASS")
	_ = viper.BindEnv("affinity.ttl_minutes", "AFFINITY_TTL_MINUTES")
	_ = viper.BindEnv("affinity.regular_ttl_minutes", "AFFINITY_REGULAR_TTL_MINUTES")
	_ = viper.BindEnv("affinity.regular_prefix", "AFFINITY_REGULAR_PREFIX")
	_ = viper.BindEnv("cache.shards", "CACHE_SHARDS")
	_ = viper.BindEnv("cache.timeout_seconds", "CACHE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("compile.max_size_bytes", "COMPILE_MAX_SIZE_BYTES")
	_ = viper.BindEnv("compile.dedup_window_seconds", "COMPILE_DEDUP_WINDOW_SECONDS")
	_ = viper.BindEnv("compile.autocompile_global_limit", "AUTOCOMPILE_GLOBAL_LIMIT")
	_ = viper.BindEnv("compile.autocompile_global_window", "AUTOCOMPILE_GLOBAL_WINDOW")
	_ = viper.BindEnv("compile.autocompile_standard_limit", "AUTOCOMPILE_STANDARD_LIMIT")
	_ = viper.BindEnv("compile.autocompile_standard_window", "AUTOCOMPILE_STANDARD_WINDOW")
	_ = viper.BindEnv("web.url", "WEB_URL")
	_ = viper.BindEnv("web.timeout", "WEB_TIMEOUT")
	_ = viper.BindEnv("docupdater.url", "DOCUPDATER_URL")
	_ = viper.BindEnv("docupdater.timeout", "DOCUPDATER_TIMEOUT")
	_ = viper.BindEnv("blob.endpoint", "BLOB_ENDPOINT")
	_ = viper.BindEnv("blob.region", "BLOB_REGION")
	_ = viper.BindEnv("blob.access_key_id", "BLOB_ACCESS_KEY_ID")
	_ = viper.BindEnv("blob.secret_access_key", "BLOB_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("blob.bucket", "BLOB_BUCKET")
	_ = viper.BindEnv("blob.url_expiry_minutes", "BLOB_URL_EXPIRY_MINUTES")
	_ = viper.BindEnv("analytics.url", "ANALYTICS_URL")

	// Defaults
	viper.SetDefault("server.port", "8013")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("gateway.enabled", false)

	// Compile node fleet defaults
	viper.SetDefault("clsi.url", "http://localhost:3013")
	viper.SetDefault("clsi.shadow_url", "")
	viper.SetDefault("clsi.cookie_name", "clsiserver")
	viper.SetDefault("clsi.compile_timeout", 360)
	viper.SetDefault("clsi.probe_timeout", 5)
	viper.SetDefault("clsi.shadow_backend_class", "shadow")

	viper.SetDefault("affinity.ttl_minutes", 60)
	viper.SetDefault("affinity.regular_ttl_minutes", 360)
	viper.SetDefault("affinity.regular_prefix", "reg-")

	viper.SetDefault("cache.shards", []string{})
	viper.SetDefault("cache.timeout_seconds", 3)

	viper.SetDefault("compile.max_size_bytes", 7*1024*1024)
	viper.SetDefault("compile.dedup_window_seconds", 3)
	viper.SetDefault("compile.autocompile_global_limit", 100)
	viper.SetDefault("compile.autocompile_global_window", 20)
	viper.SetDefault("compile.autocompile_standard_limit", 25)
	viper.SetDefault("compile.autocompile_standard_window", 20)

	viper.SetDefault("web.url", "http://localhost:3000")
	viper.SetDefault("web.timeout", 10)
	viper.SetDefault("docupdater.url", "http://localhost:3003")
	viper.SetDefault("docupdater.timeout", 10)

	viper.SetDefault("blob.region", "auto")
	viper.SetDefault("blob.url_expiry_minutes", 60)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Clsi: ClsiConfig{
			URL:                viper.GetString("clsi.url"),
			ShadowURL:          viper.GetString("clsi.shadow_url"),
			CookieName:         viper.GetString("clsi.cookie_name"),
			CompileTimeout:     viper.GetInt("clsi.compile_timeout"),
			ProbeTimeout:       viper.GetInt("clsi.probe_timeout"),
			ShadowBackendClass: viper.GetString("clsi.shadow_backend_class"),
		},
		Affinity: AffinityConfig{
			TTLMinutes:        viper.GetInt("affinity.ttl_minutes"),
			RegularTTLMinutes: viper.GetInt("affinity.regular_ttl_minutes"),
			RegularPrefix:     viper.GetString("affinity.regular_prefix"),
		},
		Cache: CacheConfig{
			Shards:         viper.GetStringSlice("cache.shards"),
			TimeoutSeconds: viper.GetInt("cache.timeout_seconds"),
		},
		Compile: CompileConfig{
			MaxSizeBytes:              viper.GetInt64("compile.max_size_bytes"),
			DedupWindowSeconds:        viper.GetInt("compile.dedup_window_seconds"),
			AutoCompileGlobalLimit:    viper.GetInt64("compile.autocompile_global_limit"),
			AutoCompileGlobalWindow:   viper.GetInt("compile.autocompile_global_window"),
			AutoCompileStandardLimit:  viper.GetInt64("compile.autocompile_standard_limit"),
			AutoCompileStandardWindow: viper.GetInt("compile.autocompile_standard_window"),
		},
		Web: WebConfig{
			URL:     viper.GetString("web.url"),
			Timeout: viper.GetInt("web.timeout"),
		},
		DocUpdater: DocUpdaterConfig{
			URL:     viper.GetString("docupdater.url"),
			Timeout: viper.GetInt("docupdater.timeout"),
		},
		Blob: BlobConfig{
			Endpoint:         viper.GetString("blob.endpoint"),
			Region:           viper.GetString("blob.region"),
			AccessKeyID:      viper.GetString("blob.access_key_id"),
			SecretAccessKey:  viper.GetString("blob.secret_access_key"),
			Bucket:           viper.GetString("blob.bucket"),
			URLExpiryMinutes: viper.GetInt("blob.url_expiry_minutes"),
		},
		Analytics: AnalyticsConfig{
			URL: viper.GetString("analytics.url"),
		},
	}

	return cfg, nil
}
