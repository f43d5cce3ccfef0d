package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		Mode            string        `mapstructure:"mode"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs        []string      `mapstructure:"addrs"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		DialTimeout  time.Duration `mapstructure:"dial_timeout"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN          string        `mapstructure:"dsn"`
		MaxOpenConns int           `mapstructure:"max_open_conns"`
		MaxIdleConns int           `mapstructure:"max_idle_conns"`
		ConnMaxLife  time.Duration `mapstructure:"conn_max_life"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		// jwt: 本地校验；remote: 调用 auth 服务 /v1/auth/verify
		Mode   string `mapstructure:"mode"`
		Secret string `mapstructure:"secret"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Cache struct {
		CompressionThreshold int           `mapstructure:"compression_threshold"`
		FallbackMaxItems     int           `mapstructure:"fallback_max_items"`
		HealthInterval       time.Duration `mapstructure:"health_interval"`
		ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"cache"`
	Presence struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"presence"`
	Recent struct {
		MaxMessages int           `mapstructure:"max_messages"`
		TTL         time.Duration `mapstructure:"ttl"`
	} `mapstructure:"recent"`
	WebSocket struct {
		MaxIdle         time.Duration `mapstructure:"max_idle"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ReadLimit       int64         `mapstructure:"read_limit"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		FanoutLimit     int           `mapstructure:"fanout_limit"`
	} `mapstructure:"websocket"`
	Message struct {
		MaxContentLength int           `mapstructure:"max_content_length"`
		PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
		MaxConcurrent    int           `mapstructure:"max_concurrent"`
	} `mapstructure:"message"`
	Points struct {
		PerMessage int `mapstructure:"per_message"`
	} `mapstructure:"points"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("running.mode", "release")
	v.SetDefault("running.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_life", time.Hour)

	v.SetDefault("kafka.topic", "chat-points")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)

	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.password", "")

	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.fallback_max_items", 1000)
	v.SetDefault("cache.health_interval", 10*time.Second)
	v.SetDefault("cache.probe_timeout", time.Second)

	v.SetDefault("presence.ttl", 30*time.Minute)

	v.SetDefault("recent.max_messages", 100)
	v.SetDefault("recent.ttl", time.Hour)

	v.SetDefault("websocket.max_idle", 30*time.Minute)
	v.SetDefault("websocket.cleanup_interval", 5*time.Minute)
	v.SetDefault("websocket.write_timeout", 5*time.Second)
	v.SetDefault("websocket.read_limit", 64*1024)
	v.SetDefault("websocket.allowed_origins", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("websocket.fanout_limit", 64)

	v.SetDefault("message.max_content_length", 2000)
	v.SetDefault("message.persist_timeout", 3*time.Second)
	v.SetDefault("message.max_concurrent", 200)

	v.SetDefault("points.per_message", 1)
}

// Load 读取 chatConfig.yaml，环境变量 CHAT_<SECTION>_<KEY> 可覆盖
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("chatConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// 没有配置文件时只用默认值 + 环境变量
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port out of range: %d", c.Running.Port)
	}
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("auth.secret is required when auth.mode=jwt")
		}
	case "remote":
		if c.Auth.Path == "" {
			return errors.New("auth.path is required when auth.mode=remote")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Mysql.DSN == "" {
		return errors.New("mysql.dsn is required")
	}
	if c.Cache.FallbackMaxItems <= 0 {
		return errors.New("cache.fallback_max_items must be positive")
	}
	if c.Recent.MaxMessages <= 0 {
		return errors.New("recent.max_messages must be positive")
	}
	if c.Message.MaxContentLength <= 0 {
		return errors.New("message.max_content_length must be positive")
	}
	if c.WebSocket.MaxIdle <= 0 || c.WebSocket.CleanupInterval <= 0 {
		return errors.New("websocket.max_idle and websocket.cleanup_interval must be positive")
	}
	return nil
}
