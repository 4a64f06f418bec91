package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "APPROVAL"

// Config holds the configuration for the approval server.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	HTTP        struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	DB struct {
		Driver   string `mapstructure:"driver"` // mysql | sqlite
		DSN      string `mapstructure:"dsn"`
		DebugSQL bool   `mapstructure:"debug_sql"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"` // 为空时使用进程内锁
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Approval struct {
		StoreTimeout time.Duration `mapstructure:"store_timeout"`
	} `mapstructure:"approval"`
	Reconcile struct {
		Enable      bool          `mapstructure:"enable"`
		Interval    time.Duration `mapstructure:"interval"`
		BatchSize   int           `mapstructure:"batch_size"`
		Grace       time.Duration `mapstructure:"grace"`
		MaxAttempts int64         `mapstructure:"max_attempts"`
	} `mapstructure:"reconcile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "approval.db")
	v.SetDefault("db.debug_sql", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("approval.store_timeout", 5*time.Second)
	v.SetDefault("reconcile.enable", true)
	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.grace", time.Minute)
	v.SetDefault("reconcile.max_attempts", 5)
}

// LoadConfig 读取顺序: 默认值 < config.yaml < .env / 环境变量 (APPROVAL_DB_DSN 这种形式)
// configPaths 为空时在 . 和 ./config 下找 config.yaml, 找不到文件不算错误
func LoadConfig(configPaths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{".", "./config"}
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.WithMessage(err, "read config failed")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	switch c.DB.Driver {
	case "mysql", "sqlite":
	default:
		return errors.Errorf("unsupported db driver: %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db dsn is empty")
	}
	if c.Reconcile.Interval <= 0 {
		return errors.Errorf("reconcile interval must be positive, got %s", c.Reconcile.Interval)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// SlogLevel 解析不了的按 info 处理
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
