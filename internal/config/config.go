package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App struct {
		ENV string
	}

	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	NATS struct {
		URL  string
		Name string
	}

	GRPC struct {
		Host string
		Port string
	}

	Metrics struct {
		Addr string
	}

	// Match holds the matchmaking tunables. Defaults mirror the product
	// behavior: 30s/60s expansion thresholds, 5 minute re-pair cooldown,
	// 30-cycle guaranteed retry at 1s intervals.
	Match struct {
		GraceWindow      time.Duration // reconnection grace after a missed heartbeat
		HeartbeatTTL     time.Duration // presence key lifetime
		RevealTimeout    time.Duration // reveal phase deadline
		VoteWindow       time.Duration // vote phase deadline
		ExpandAfter      time.Duration // first preference expansion threshold
		ExpandAgainAfter time.Duration // second expansion threshold
		ExpansionTTL     time.Duration // expansion expiry
		GuaranteedAfter  time.Duration // wait before the guaranteed tier kicks in
		CooldownWindow   time.Duration // re-pairing cooldown
		RetryLimit       int           // guaranteed tier retry bound
		RetryInterval    time.Duration // sleep between guaranteed retries
		TierBatchSize    int           // candidates processed per tier per pass
		PassInterval     time.Duration // matching orchestration cadence
		SweepInterval    time.Duration // timeout sweep cadence
		PresenceInterval time.Duration // presence finalization cadence
		AuditInterval    time.Duration // consistency audit cadence
	}
}

func New() *Config {
	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "production")

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "matchmaker")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.DSN = os.Getenv("MYSQL_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
		cfg.DB.User = getEnvDefault("DB_USER", "root")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
		cfg.DB.Name = getEnvDefault("DB_NAME", "blinkdate")

		cfg.DB.DSN = fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
			cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
		)
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	if dbStr := getEnvDefault("REDIS_DB", "0"); dbStr != "" {
		if dbInt, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = dbInt
		}
	}

	// NATS
	cfg.NATS.URL = getEnvDefault("NATS_URL", "nats://localhost:4222")
	cfg.NATS.Name = getEnvDefault("NATS_NAME", "matchmaker")

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// Metrics
	cfg.Metrics.Addr = getEnvDefault("METRICS_ADDR", ":9090")

	// Matchmaking
	cfg.Match.GraceWindow = getEnvDuration("MATCH_GRACE_WINDOW", 30*time.Second)
	cfg.Match.HeartbeatTTL = getEnvDuration("MATCH_HEARTBEAT_TTL", 15*time.Second)
	cfg.Match.RevealTimeout = getEnvDuration("MATCH_REVEAL_TIMEOUT", 15*time.Second)
	cfg.Match.VoteWindow = getEnvDuration("MATCH_VOTE_WINDOW", 30*time.Second)
	cfg.Match.ExpandAfter = getEnvDuration("MATCH_EXPAND_AFTER", 30*time.Second)
	cfg.Match.ExpandAgainAfter = getEnvDuration("MATCH_EXPAND_AGAIN_AFTER", 60*time.Second)
	cfg.Match.ExpansionTTL = getEnvDuration("MATCH_EXPANSION_TTL", 5*time.Minute)
	cfg.Match.GuaranteedAfter = getEnvDuration("MATCH_GUARANTEED_AFTER", 90*time.Second)
	cfg.Match.CooldownWindow = getEnvDuration("MATCH_COOLDOWN_WINDOW", 5*time.Minute)
	cfg.Match.RetryLimit = getEnvInt("MATCH_RETRY_LIMIT", 30)
	cfg.Match.RetryInterval = getEnvDuration("MATCH_RETRY_INTERVAL", time.Second)
	cfg.Match.TierBatchSize = getEnvInt("MATCH_TIER_BATCH_SIZE", 20)
	cfg.Match.PassInterval = getEnvDuration("MATCH_PASS_INTERVAL", 5*time.Second)
	cfg.Match.SweepInterval = getEnvDuration("MATCH_SWEEP_INTERVAL", 10*time.Second)
	cfg.Match.PresenceInterval = getEnvDuration("MATCH_PRESENCE_INTERVAL", 5*time.Second)
	cfg.Match.AuditInterval = getEnvDuration("MATCH_AUDIT_INTERVAL", 30*time.Second)

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
