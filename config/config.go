package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sequencer/models"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EngineConfig tunes enrollment batching, retries and the periodic sweeps
type EngineConfig struct {
	EnrollBatchSize   int           `json:"enroll_batch_size"`
	ScheduleBatchSize int           `json:"schedule_batch_size"`
	MaxStepAttempts   int           `json:"max_step_attempts"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	StepFailurePolicy string        `json:"step_failure_policy"` // hold, exit
	ExecutionLease    time.Duration `json:"execution_lease"`
	MaxStepsPerRun    int           `json:"max_steps_per_run"`
	SweepSchedule     string        `json:"sweep_schedule"`
	StatsSchedule     string        `json:"stats_schedule"`
	WorkerConcurrency int           `json:"worker_concurrency"`
	WebhookTimeout    time.Duration `json:"webhook_timeout"`
}

type Config struct {
	Environment     string       `json:"environment"`
	ServerPort      string       `json:"server_port"`
	EncryptionKey   string       `json:"-"`
	JWTSecret       string       `json:"-"`
	TrackingSecret  string       `json:"-"`
	LogLevel        string       `json:"log_level"`
	LogFormat       string       `json:"log_format"`
	SentryDSN       string       `json:"-"`
	DBHost          string       `json:"db_host"`
	DBPort          string       `json:"db_port"`
	DBUser          string       `json:"db_user"`
	DBPassword      string       `json:"-"`
	DBName          string       `json:"db_name"`
	DBSSLMode       string       `json:"db_ssl_mode"`
	DBMaxIdleConns  int          `json:"db_max_idle_conns"`
	DBMaxOpenConns  int          `json:"db_max_open_conns"`
	ImportRateMax   int          `json:"import_rate_max"`
	TrackingBaseURL string       `json:"tracking_base_url"`
	CORSOrigins     []string     `json:"cors_origins"`
	Redis           RedisConfig  `json:"redis"`
	Engine          EngineConfig `json:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads the configuration from the environment without touching globals
func Load() (Config, error) {
	cfg := Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "sequencer"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		ImportRateMax:   getEnvAsInt("IMPORT_RATE_MAX", 10),
		TrackingBaseURL: getEnv("TRACKING_BASE_URL", ""),
		CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			EnrollBatchSize:   getEnvAsInt("ENROLL_BATCH_SIZE", 50),
			ScheduleBatchSize: getEnvAsInt("SCHEDULE_BATCH_SIZE", 20),
			MaxStepAttempts:   getEnvAsInt("MAX_STEP_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvAsDuration("RETRY_BASE_DELAY", time.Minute),
			RetryMaxDelay:     getEnvAsDuration("RETRY_MAX_DELAY", time.Hour),
			StepFailurePolicy: getEnv("STEP_FAILURE_POLICY", "hold"),
			ExecutionLease:    getEnvAsDuration("EXECUTION_LEASE", 15*time.Minute),
			MaxStepsPerRun:    getEnvAsInt("MAX_STEPS_PER_RUN", 25),
			SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 1m"),
			StatsSchedule:     getEnv("STATS_SCHEDULE", "@every 15m"),
			WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 8),
			WebhookTimeout:    getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
	}

	// Validate required configurations
	if cfg.DBPassword == "" {
		return cfg, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.EncryptionKey == "" {
		return cfg, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch len(cfg.EncryptionKey) {
	case 16, 24, 32:
	default:
		return cfg, fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.TrackingBaseURL != "" && cfg.TrackingSecret == "" {
		return cfg, fmt.Errorf("TRACKING_SECRET is required when TRACKING_BASE_URL is set")
	}
	// each key serves one purpose
	if cfg.JWTSecret == cfg.EncryptionKey || (cfg.TrackingSecret != "" && (cfg.TrackingSecret == cfg.EncryptionKey || cfg.TrackingSecret == cfg.JWTSecret)) {
		return cfg, fmt.Errorf("ENCRYPTION_KEY, JWT_SECRET and TRACKING_SECRET must differ")
	}
	if cfg.Engine.StepFailurePolicy != "hold" && cfg.Engine.StepFailurePolicy != "exit" {
		return cfg, fmt.Errorf("STEP_FAILURE_POLICY must be hold or exit, got %q", cfg.Engine.StepFailurePolicy)
	}
	if cfg.Engine.WebhookTimeout <= 0 || cfg.Engine.WebhookTimeout > 10*time.Second {
		return cfg, fmt.Errorf("WEBHOOK_TIMEOUT must be between 0 and 10s")
	}
	if cfg.Engine.EnrollBatchSize <= 0 || cfg.Engine.ScheduleBatchSize <= 0 {
		return cfg, fmt.Errorf("batch sizes must be positive")
	}

	return cfg, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func NewLogger(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	gormLogLevel := gormlogger.Warn
	if AppConfig.Environment == "development" {
		gormLogLevel = gormlogger.Info
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := DB.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// ConnectRedis opens the client used by the job queues and the import rate limiter
func ConnectRedis(ctx context.Context) error {
	if !AppConfig.Redis.Enabled {
		return fmt.Errorf("redis is disabled but required for the job queues")
	}
	Redis = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	if err := Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":         AppConfig.Environment,
		"server_port":         AppConfig.ServerPort,
		"database":            fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":               AppConfig.Redis.Address,
		"step_failure_policy": AppConfig.Engine.StepFailurePolicy,
		"max_step_attempts":   AppConfig.Engine.MaxStepAttempts,
	}).Info("Loaded configuration")
}
