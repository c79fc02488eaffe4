package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the server.
type Config struct {
	Port      string
	Env       string
	JWTSecret string

	DB    DBConfig
	Redis RedisConfig
	Kafka KafkaConfig

	// "kafka" or "memory"
	Broker     string
	InstanceID string

	AllowedOrigins   string
	MaxMessageLength int

	TypingTimeout       time.Duration
	TypingSweepInterval time.Duration

	WSRatePerSec float64
	WSBurst      int

	LogLevel string
	LogFile  string
}

type DBConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers        []string
	InboundTopic   string
	DeliveredTopic string
	PersistGroup   string
}

// Load reads configuration from the environment, loading .env first when
// present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "whispr"),
			Port:     getEnv("DB_PORT", "5432"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:        splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
			InboundTopic:   getEnv("KAFKA_INBOUND_TOPIC", "chat.inbound"),
			DeliveredTopic: getEnv("KAFKA_DELIVERED_TOPIC", "chat.delivered"),
			PersistGroup:   getEnv("KAFKA_GROUP", "whispr-persist"),
		},
		Broker:              strings.ToLower(getEnv("BROKER", "kafka")),
		InstanceID:          getEnv("INSTANCE_ID", ""),
		AllowedOrigins:      os.Getenv("ALLOWED_ORIGINS"),
		MaxMessageLength:    getInt("MAX_MESSAGE_LENGTH", 4000),
		TypingTimeout:       getDuration("TYPING_TIMEOUT", 0),
		TypingSweepInterval: getDuration("TYPING_SWEEP_INTERVAL", time.Second),
		WSRatePerSec:        getFloat("WS_RATE_PER_SEC", 20),
		WSBurst:             getInt("WS_BURST", 40),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             os.Getenv("LOG_FILE"),
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.MaxMessageLength < 1 {
		cfg.MaxMessageLength = 4000
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DeliveryGroup is this instance's consumer group for fan-out; every
// instance must see every delivered event.
func (c *Config) DeliveryGroup() string {
	return "whispr-fanout-" + c.InstanceID
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
