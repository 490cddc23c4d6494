package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServerPort string

	StoreDriver    string // "memory" or "postgres"
	DBDriver       string // "pgx" or "postgres" (lib/pq)
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSslMode      string
	MigrationsPath string

	AWSRegion        string
	SQSEventQueueURL string
	IoTMQTTEndpoint  string
	DefaultThingName string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	RedisAddr   string
	NATSURL     string
	NATSSubject string

	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	BaysFile string

	GraceWindow       time.Duration
	ReservationWindow time.Duration
	SensorFreshness   time.Duration
	ReconcileInterval time.Duration
	CommandTimeout    time.Duration
	DedupTTL          time.Duration
	MinBalance        decimal.Decimal
	ConflictRetries   int

	EgressWorkers int
	EgressQueue   int
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Config: could not load .env file: %v", err)
	}

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),

		StoreDriver:    getEnv("STORE_DRIVER", "memory"),
		DBDriver:       getEnv("DB_DRIVER", "pgx"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getInt("DB_PORT", 5432),
		DBUser:         getEnv("DB_USER", "smart_bays"),
		DBPassword:     getEnv("DB_PASSWORD", "smart_bays"),
		DBName:         getEnv("DB_NAME", "smart_bays"),
		DBSslMode:      getEnv("DB_SSLMODE", "disable"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "file://migrations"),

		AWSRegion:        getEnv("AWS_REGION", "ap-southeast-1"),
		SQSEventQueueURL: getEnv("SQS_EVENT_QUEUE_URL", ""),
		IoTMQTTEndpoint:  getEnv("IOT_MQTT_ENDPOINT", ""),
		DefaultThingName: getEnv("IOT_THING_NAME", "ESP32_ParkingController_01"),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "parking/+/events"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "smart-bays-ingest"),

		RedisAddr:   getEnv("REDIS_ADDR", ""),
		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "parking.notifications"),

		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 20),

		BaysFile: getEnv("BAYS_FILE", "bays.yaml"),

		GraceWindow:       getDuration("GRACE_WINDOW", 20*time.Second),
		ReservationWindow: getDuration("RESERVATION_WINDOW", 12*time.Hour),
		SensorFreshness:   getDuration("SENSOR_FRESHNESS", 60*time.Second),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Second),
		CommandTimeout:    getDuration("COMMAND_TIMEOUT", 5*time.Second),
		DedupTTL:          getDuration("DEDUP_TTL", 24*time.Hour),
		MinBalance:        getDecimal("MIN_BALANCE", decimal.NewFromInt(1)),
		ConflictRetries:   getInt("CONFLICT_RETRIES", 3),

		EgressWorkers: getInt("EGRESS_WORKERS", 4),
		EgressQueue:   getInt("EGRESS_QUEUE", 256),
	}
}

// DSN is the libpq-style connection string accepted by both pgx and lib/pq.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSslMode)
}

// MigrateURL is the URL form golang-migrate expects.
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSslMode)
}

func getEnv(key string, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Config: %s not set, using default %q", key, fallback)
	return fallback
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Config: %s=%q is not an integer, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw := getEnv(key, strconv.FormatFloat(fallback, 'f', -1, 64))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Config: %s=%q is not a number, using %v", key, raw, fallback)
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, fallback.String())
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Printf("Config: %s=%q is not a positive duration, using %s", key, raw, fallback)
		return fallback
	}
	return v
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := getEnv(key, fallback.StringFixed(2))
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		log.Printf("Config: %s=%q is not a non-negative amount, using %s", key, raw, fallback.StringFixed(2))
		return fallback
	}
	return v
}
