package rsiengine

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"rsi-engine/internal/indicator"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/joho/godotenv"
)

// Bus backends.
const (
	BackendKafka = "kafka"
	BackendRedis = "redis"
)

// Config holds all env-parsed configuration for the RSI engine service.
type Config struct {
	Period        int
	Backend       string // kafka | redis
	Brokers       []string
	InputTopic    string
	OutputTopic   string
	ConsumerGroup string
	ConsumerName  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisMirror   bool // mirror latest records into Redis alongside the bus

	HTTPAddr        string
	DefaultTokenKey string

	PublishAttempts  int
	PublishTimeout   time.Duration
	PublishBackoff   time.Duration
	MaxFetchFailures int

	StoreShards int
	LogLevel    string
	WSBuffer    int
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[rsiengine] loaded .env")
	}

	host, _ := os.Hostname()

	return Config{
		Period:        getEnvInt("RSI_PERIOD", indicator.DefaultPeriod),
		Backend:       strings.ToLower(getEnv("BUS_BACKEND", BackendKafka)),
		Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
		InputTopic:    getEnv("INPUT_TOPIC", "trade-data"),
		OutputTopic:   getEnv("OUTPUT_TOPIC", "rsi-data"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "rsi-group"),
		ConsumerName:  getEnv("CONSUMER_NAME", orDefault(host, "worker-1")),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisMirror:   getEnvBool("REDIS_MIRROR", false),

		HTTPAddr:        getEnv("HTTP_ADDR", "0.0.0.0:5000"),
		DefaultTokenKey: getEnv("DEFAULT_TOKEN_KEY", model.DefaultTokenKey),

		PublishAttempts:  getEnvInt("PUBLISH_MAX_ATTEMPTS", 3),
		PublishTimeout:   time.Duration(getEnvInt("PUBLISH_TIMEOUT_MS", 2000)) * time.Millisecond,
		PublishBackoff:   time.Duration(getEnvInt("PUBLISH_BACKOFF_MS", 100)) * time.Millisecond,
		MaxFetchFailures: getEnvInt("FETCH_MAX_FAILURES", 10),

		StoreShards: getEnvInt("STORE_SHARDS", store.DefaultShards),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		WSBuffer:    getEnvInt("WS_BUFFER", 256),
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Period < 1 {
		return fmt.Errorf("RSI_PERIOD must be >= 1, got %d", c.Period)
	}
	switch c.Backend {
	case BackendKafka:
		if len(c.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("BUS_BACKEND must be %q or %q, got %q", BackendKafka, BackendRedis, c.Backend)
	}
	if c.InputTopic == "" || c.OutputTopic == "" {
		return fmt.Errorf("INPUT_TOPIC and OUTPUT_TOPIC must be set")
	}
	if c.PublishAttempts < 1 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be >= 1, got %d", c.PublishAttempts)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PUBLISH_TIMEOUT_MS must be > 0")
	}
	if c.MaxFetchFailures < 1 {
		return fmt.Errorf("FETCH_MAX_FAILURES must be >= 1, got %d", c.MaxFetchFailures)
	}
	return nil
}

// usesRedis reports whether a Redis connection is needed.
func (c Config) usesRedis() bool {
	return c.Backend == BackendRedis || c.RedisMirror
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[rsiengine] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[rsiengine] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, p := range strings.Split(getEnv(key, fallback), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
