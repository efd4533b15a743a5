package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		RateLimit    float64       `mapstructure:"RATE_LIMIT"`
		RateBurst    int           `mapstructure:"RATE_BURST"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		MaxTxRetries   int    `mapstructure:"MAX_TX_RETRIES"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Outbox struct {
		DispatchInterval time.Duration `mapstructure:"DISPATCH_INTERVAL"`
		BatchSize        int           `mapstructure:"BATCH_SIZE"`
		MaxAttempts      int           `mapstructure:"MAX_ATTEMPTS"`
	} `mapstructure:"OUTBOX"`
	Economy Economy `mapstructure:"ECONOMY"`
}

// Economy holds the reward and settlement tunables.
type Economy struct {
	ReferrerBonus           int64         `mapstructure:"REFERRER_BONUS"`
	ReferredBonus           int64         `mapstructure:"REFERRED_BONUS"`
	CouponReferralBonus     int64         `mapstructure:"COUPON_REFERRAL_BONUS"`
	AffiliateCommissionRate string        `mapstructure:"AFFILIATE_COMMISSION_RATE"`
	CommissionCurrency      string        `mapstructure:"COMMISSION_CURRENCY"`
	BulkConcurrency         int           `mapstructure:"BULK_CONCURRENCY"`
	StatsCacheTTL           time.Duration `mapstructure:"STATS_CACHE_TTL"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "platform-economy")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_SERVER.RATE_LIMIT", 20)
	v.SetDefault("HTTP_SERVER.RATE_BURST", 40)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "127.0.0.1")
	v.SetDefault("DATABASE.DBNAME", "economy")
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.PATH", "economy.db")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.MAX_TX_RETRIES", 3)
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("OTEL.ADDR", "")
	v.SetDefault("PYROSCOPE.ADDR", "")
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("TLS.CERT_PATH", "")
	v.SetDefault("TLS.KEY_PATH", "")
	v.SetDefault("ACCESS_CONTROL.MODEL", "")
	v.SetDefault("ACCESS_CONTROL.POLICY", "")
	v.SetDefault("OUTBOX.DISPATCH_INTERVAL", 10*time.Second)
	v.SetDefault("OUTBOX.BATCH_SIZE", 100)
	v.SetDefault("OUTBOX.MAX_ATTEMPTS", 10)
	v.SetDefault("ECONOMY.REFERRER_BONUS", 100)
	v.SetDefault("ECONOMY.REFERRED_BONUS", 50)
	v.SetDefault("ECONOMY.COUPON_REFERRAL_BONUS", 20)
	v.SetDefault("ECONOMY.AFFILIATE_COMMISSION_RATE", "0.10")
	v.SetDefault("ECONOMY.COMMISSION_CURRENCY", "USD")
	v.SetDefault("ECONOMY.BULK_CONCURRENCY", 4)
	v.SetDefault("ECONOMY.STATS_CACHE_TTL", 30*time.Second)
}

// LoadConfig reads config.yaml from CONFIG_PATH (default ".") and lets
// environment variables such as DATABASE_HOST override any key.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if p, ok := os.LookupEnv("CONFIG_PATH"); ok {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return nil, fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}

	return &cfg, nil
}
