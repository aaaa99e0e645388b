package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

const (
	devAccessSecret  = "dev-access-secret-change-me"
	devRefreshSecret = "dev-refresh-secret-change-me"
)

type Config struct {
	Port               string
	Env                string
	DBDriver           string
	DatabaseDSN        string
	JWTAccessSecret    string
	JWTRefreshSecret   string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	PresenceTTL        time.Duration
	PresenceSweepEvery time.Duration
	AvatarDir          string
	CORSOrigin         string
	AMQPURL            string
	AMQPExchange       string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// positiveInt 解析正整数，非法或非正值回退到默认值。
func positiveInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:               getenv("APP_PORT", "8080"),
		Env:                getenv("APP_ENV", "dev"),
		DBDriver:           getenv("DB_DRIVER", "postgres"),
		DatabaseDSN:        getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=react_messenger port=5432 sslmode=disable TimeZone=UTC"),
		JWTAccessSecret:    getenv("JWT_ACCESS_SECRET", devAccessSecret),
		JWTRefreshSecret:   getenv("JWT_REFRESH_SECRET", devRefreshSecret),
		AccessTokenTTL:     time.Duration(positiveInt("ACCESS_TOKEN_TTL_HOURS", 12)) * time.Hour,
		RefreshTokenTTL:    time.Duration(positiveInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		PresenceTTL:        time.Duration(positiveInt("PRESENCE_TTL_SECONDS", 90)) * time.Second,
		PresenceSweepEvery: time.Duration(positiveInt("PRESENCE_SWEEP_SECONDS", 30)) * time.Second,
		AvatarDir:          getenv("AVATAR_DIR", "./users-avatars"),
		CORSOrigin:         getenv("CORS_ORIGIN", "http://localhost:5173"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       getenv("AMQP_EXCHANGE", "messenger.events"),
	}
}

// Validate 在启动前检查配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: empty port")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: empty database dsn")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return errors.New("config: unsupported db driver " + cfg.DBDriver)
	}
	if cfg.JWTAccessSecret == "" || cfg.JWTRefreshSecret == "" {
		return errors.New("config: jwt secret does not exist")
	}
	if cfg.Env != "dev" && (cfg.JWTAccessSecret == devAccessSecret || cfg.JWTRefreshSecret == devRefreshSecret) {
		return errors.New("config: default jwt secret outside dev")
	}
	if cfg.PresenceTTL <= cfg.PresenceSweepEvery {
		return errors.New("config: presence ttl must exceed sweep interval")
	}
	return nil
}
