package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callcoach-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	STT       STTConfig       `json:"stt"`
	LLM       LLMConfig       `json:"llm"`
	Recording RecordingConfig `json:"recording"`
	Messaging MessagingConfig `json:"messaging"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database"`
	Coaching  CoachingConfig  `json:"coaching"`
	Metrics   MetricsConfig   `json:"metrics"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port            int           `json:"port" env:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"30s"`
	AllowedOrigins  []string      `json:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// STTConfig selects and configures the streaming transcription backend
type STTConfig struct {
	Provider string            `json:"provider" env:"STT_PROVIDER" default:"deepgram"`
	Language string            `json:"language" env:"STT_LANGUAGE" default:"en-US"`
	Deepgram DeepgramSTTConfig `json:"deepgram"`
	Amazon   AmazonSTTConfig   `json:"amazon"`
	Google   GoogleSTTConfig   `json:"google"`
}

// DeepgramSTTConfig holds Deepgram streaming settings
type DeepgramSTTConfig struct {
	APIKey      string `json:"-" env:"DEEPGRAM_API_KEY"`
	APIURL      string `json:"api_url" env:"DEEPGRAM_API_URL" default:"wss://api.deepgram.com/v1/listen"`
	Model       string `json:"model" env:"DEEPGRAM_MODEL" default:"nova-2"`
	Punctuate   bool   `json:"punctuate" env:"DEEPGRAM_PUNCTUATE" default:"true"`
	SmartFormat bool   `json:"smart_format" env:"DEEPGRAM_SMART_FORMAT" default:"true"`
}

// AmazonSTTConfig holds Amazon Transcribe streaming settings
type AmazonSTTConfig struct {
	Region          string `json:"region" env:"AWS_REGION" default:"us-east-1"`
	AccessKeyID     string `json:"-" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"-" env:"AWS_SECRET_ACCESS_KEY"`
	VocabularyName  string `json:"vocabulary_name" env:"AMAZON_STT_VOCABULARY"`
}

// GoogleSTTConfig holds Google Cloud Speech settings
type GoogleSTTConfig struct {
	CredentialsFile string `json:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	APIKey          string `json:"-" env:"GOOGLE_STT_API_KEY"`
	Model           string `json:"model" env:"GOOGLE_STT_MODEL" default:"latest_long"`
}

// LLMConfig configures the model used for ammo extraction and post-call detection
type LLMConfig struct {
	Enabled     bool          `json:"enabled" env:"LLM_ENABLED" default:"true"`
	APIKey      string        `json:"-" env:"GEMINI_API_KEY"`
	Model       string        `json:"model" env:"LLM_MODEL" default:"gemini-2.0-flash"`
	Temperature float64       `json:"temperature" env:"LLM_TEMPERATURE" default:"0.2"`
	Timeout     time.Duration `json:"timeout" env:"LLM_TIMEOUT" default:"45s"`
}

// RecordingConfig controls where audio is spilled during a call and where it is uploaded afterwards
type RecordingConfig struct {
	SpillDir    string `json:"spill_dir" env:"RECORDING_SPILL_DIR" default:"./recordings/spill"`
	S3Enabled   bool   `json:"s3_enabled" env:"RECORDING_S3_ENABLED" default:"false"`
	S3Bucket    string `json:"s3_bucket" env:"RECORDING_S3_BUCKET"`
	S3Region    string `json:"s3_region" env:"RECORDING_S3_REGION" default:"us-east-1"`
	S3Prefix    string `json:"s3_prefix" env:"RECORDING_S3_PREFIX" default:"recordings"`
	S3Endpoint  string `json:"s3_endpoint" env:"RECORDING_S3_ENDPOINT"`
	S3PublicURL string `json:"s3_public_url" env:"RECORDING_S3_PUBLIC_URL"`
	LocalDir    string `json:"local_dir" env:"RECORDING_LOCAL_DIR"`
}

// MessagingConfig holds AMQP publisher configuration
type MessagingConfig struct {
	Enabled      bool          `json:"enabled" env:"AMQP_ENABLED" default:"false"`
	AMQPUrl      string        `json:"-" env:"AMQP_URL"`
	ExchangeName string        `json:"exchange_name" env:"AMQP_EXCHANGE_NAME" default:"callcoach.events"`
	QueueName    string        `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"callcoach-events"`
	RoutingKey   string        `json:"routing_key" env:"AMQP_ROUTING_KEY" default:"callcoach"`
	Durable      bool          `json:"durable" env:"AMQP_DURABLE" default:"true"`
	MessageTTL   time.Duration `json:"message_ttl" env:"AMQP_MESSAGE_TTL" default:"0s"`
}

// RedisConfig holds live status store configuration
type RedisConfig struct {
	Enabled   bool          `json:"enabled" env:"REDIS_ENABLED" default:"false"`
	Address   string        `json:"address" env:"REDIS_ADDRESS" default:"localhost:6379"`
	Password  string        `json:"-" env:"REDIS_PASSWORD"`
	Database  int           `json:"database" env:"REDIS_DATABASE" default:"0"`
	KeyPrefix string        `json:"key_prefix" env:"REDIS_KEY_PREFIX" default:"callcoach:"`
	StatusTTL time.Duration `json:"status_ttl" env:"REDIS_STATUS_TTL" default:"4h"`
}

// DatabaseConfig holds MySQL persistence configuration
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled" env:"DATABASE_ENABLED" default:"false"`
	Host            string        `json:"host" env:"DB_HOST" default:"localhost"`
	Port            int           `json:"port" env:"DB_PORT" default:"3306"`
	Name            string        `json:"name" env:"DB_NAME" default:"callcoach"`
	Username        string        `json:"username" env:"DB_USERNAME" default:"callcoach"`
	Password        string        `json:"-" env:"DB_PASSWORD"`
	MaxOpenConns    int           `json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"5m"`
	TLSMode         string        `json:"tls_mode" env:"DB_TLS_MODE"`
	AutoMigrate     bool          `json:"auto_migrate" env:"DB_AUTO_MIGRATE" default:"true"`
}

// CoachingConfig holds the live pipeline constants
type CoachingConfig struct {
	DefaultSampleRate           int           `json:"default_sample_rate" env:"AUDIO_DEFAULT_SAMPLE_RATE" default:"48000"`
	TranscriptFlushEvery        int           `json:"transcript_flush_every" env:"TRANSCRIPT_FLUSH_EVERY" default:"5"`
	ExtractionBufferMaxChars    int           `json:"extraction_buffer_max_chars" env:"EXTRACTION_BUFFER_MAX_CHARS" default:"8000"`
	ExtractionInterval          time.Duration `json:"extraction_interval" env:"EXTRACTION_INTERVAL" default:"30s"`
	ExtractionMinChars          int           `json:"extraction_min_chars" env:"EXTRACTION_MIN_CHARS" default:"100"`
	MaxAmmoPerPass              int           `json:"max_ammo_per_pass" env:"AMMO_MAX_PER_PASS" default:"5"`
	TalkTimeCharsPerSecond      float64       `json:"talk_time_chars_per_second" env:"TALK_TIME_CHARS_PER_SECOND" default:"15"`
	TalkTimeFlushInterval       time.Duration `json:"talk_time_flush_interval" env:"TALK_TIME_FLUSH_INTERVAL" default:"15s"`
	NudgeGlobalCooldown         time.Duration `json:"nudge_global_cooldown" env:"NUDGE_GLOBAL_COOLDOWN" default:"25s"`
	NudgeTypeCooldown           time.Duration `json:"nudge_type_cooldown" env:"NUDGE_TYPE_COOLDOWN" default:"120s"`
	MissingInfoAfter            time.Duration `json:"missing_info_after" env:"NUDGE_MISSING_INFO_AFTER" default:"5m"`
	ScriptReminderAfter         time.Duration `json:"script_reminder_after" env:"NUDGE_SCRIPT_REMINDER_AFTER" default:"1m"`
	ScriptReminderInterval      time.Duration `json:"script_reminder_interval" env:"NUDGE_SCRIPT_REMINDER_INTERVAL" default:"90s"`
	AssumedCallLength           time.Duration `json:"assumed_call_length" env:"NUDGE_ASSUMED_CALL_LENGTH" default:"30m"`
	MinDetectionTranscriptChars int           `json:"min_detection_transcript_chars" env:"DETECTION_MIN_TRANSCRIPT_CHARS" default:"200"`
	SessionIdleTimeout          time.Duration `json:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT" default:"2h"`
	SessionReapInterval         time.Duration `json:"session_reap_interval" env:"SESSION_REAP_INTERVAL" default:"1m"`
	BackgroundWorkers           int           `json:"background_workers" env:"BACKGROUND_WORKERS" default:"8"`
}

// RateLimitConfig throttles HTTP requests and socket upgrades per client IP
type RateLimitConfig struct {
	Enabled           bool          `json:"enabled" env:"RATE_LIMIT_ENABLED" default:"false"`
	RequestsPerSecond float64       `json:"requests_per_second" env:"RATE_LIMIT_RPS" default:"10"`
	BurstSize         int           `json:"burst_size" env:"RATE_LIMIT_BURST" default:"20"`
	IdleTTL           time.Duration `json:"idle_ttl" env:"RATE_LIMIT_IDLE_TTL" default:"10m"`
	WhitelistedIPs    []string      `json:"whitelisted_ips" env:"RATE_LIMIT_WHITELIST_IPS"`
}

// MetricsConfig toggles Prometheus instrumentation
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED" default:"true"`
}

var supportedSTTProviders = map[string]bool{
	"deepgram": true,
	"amazon":   true,
	"google":   true,
	"mock":     true,
}

// Load loads the configuration from .env files and environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	loadHTTPConfig(logger, &config.HTTP)
	loadLoggingConfig(&config.Logging)

	if err := loadSTTConfig(logger, &config.STT); err != nil {
		return nil, errors.Wrap(err, "failed to load STT configuration")
	}

	loadLLMConfig(logger, &config.LLM)
	loadRecordingConfig(logger, &config.Recording)
	loadMessagingConfig(logger, &config.Messaging)
	loadRedisConfig(&config.Redis)
	loadDatabaseConfig(logger, &config.Database)
	loadCoachingConfig(logger, &config.Coaching)
	config.Metrics.Enabled = getEnvBool("METRICS_ENABLED", true)
	loadRateLimitConfig(logger, &config.RateLimit)

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	if err := ensureDirectories(config); err != nil {
		return nil, errors.Wrap(err, "failed to create required directories")
	}

	return config, nil
}

func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if err := godotenv.Load(envFile); err == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}
}

func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) {
	config.Port = getEnvInt("HTTP_PORT", 8080)
	if config.Port < 1 || config.Port > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	}
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second)
	config.AllowedOrigins = getEnvList("HTTP_ALLOWED_ORIGINS")
}

func loadLoggingConfig(config *LoggingConfig) {
	config.Level = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	config.Format = strings.ToLower(getEnv("LOG_FORMAT", "json"))
	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadSTTConfig(logger *logrus.Logger, config *STTConfig) error {
	config.Provider = strings.ToLower(getEnv("STT_PROVIDER", "deepgram"))
	if !supportedSTTProviders[config.Provider] {
		return errors.New(fmt.Sprintf("unsupported STT_PROVIDER: %s", config.Provider))
	}
	config.Language = getEnv("STT_LANGUAGE", "en-US")

	config.Deepgram.APIKey = getEnv("DEEPGRAM_API_KEY", "")
	config.Deepgram.APIURL = getEnv("DEEPGRAM_API_URL", "wss://api.deepgram.com/v1/listen")
	config.Deepgram.Model = getEnv("DEEPGRAM_MODEL", "nova-2")
	config.Deepgram.Punctuate = getEnvBool("DEEPGRAM_PUNCTUATE", true)
	config.Deepgram.SmartFormat = getEnvBool("DEEPGRAM_SMART_FORMAT", true)

	config.Amazon.Region = getEnv("AWS_REGION", "us-east-1")
	config.Amazon.AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	config.Amazon.SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	config.Amazon.VocabularyName = getEnv("AMAZON_STT_VOCABULARY", "")

	config.Google.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")
	config.Google.APIKey = getEnv("GOOGLE_STT_API_KEY", "")
	config.Google.Model = getEnv("GOOGLE_STT_MODEL", "latest_long")

	switch config.Provider {
	case "deepgram":
		if config.Deepgram.APIKey == "" {
			return errors.New("STT_PROVIDER is deepgram but DEEPGRAM_API_KEY is not set")
		}
	case "amazon":
		if config.Amazon.AccessKeyID == "" || config.Amazon.SecretAccessKey == "" {
			logger.Warn("Amazon STT selected without static credentials, falling back to the default AWS credential chain")
		}
	case "google":
		if config.Google.CredentialsFile == "" && config.Google.APIKey == "" {
			logger.Warn("Google STT selected but neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_STT_API_KEY is set")
		}
	}

	return nil
}

func loadLLMConfig(logger *logrus.Logger, config *LLMConfig) {
	config.Enabled = getEnvBool("LLM_ENABLED", true)
	config.APIKey = getEnv("GEMINI_API_KEY", "")
	config.Model = getEnv("LLM_MODEL", "gemini-2.0-flash")
	config.Temperature = getEnvFloat("LLM_TEMPERATURE", 0.2)
	config.Timeout = getEnvDuration("LLM_TIMEOUT", 45*time.Second)

	if config.Enabled && config.APIKey == "" {
		logger.Warn("LLM enabled but GEMINI_API_KEY is not set, ammo extraction and detection are disabled")
		config.Enabled = false
	}
}

func loadRecordingConfig(logger *logrus.Logger, config *RecordingConfig) {
	config.SpillDir = getEnv("RECORDING_SPILL_DIR", "./recordings/spill")
	config.S3Enabled = getEnvBool("RECORDING_S3_ENABLED", false)
	config.S3Bucket = getEnv("RECORDING_S3_BUCKET", "")
	config.S3Region = getEnv("RECORDING_S3_REGION", getEnv("AWS_REGION", "us-east-1"))
	config.S3Prefix = strings.Trim(getEnv("RECORDING_S3_PREFIX", "recordings"), "/")
	config.S3Endpoint = getEnv("RECORDING_S3_ENDPOINT", "")
	config.S3PublicURL = strings.TrimRight(getEnv("RECORDING_S3_PUBLIC_URL", ""), "/")
	config.LocalDir = getEnv("RECORDING_LOCAL_DIR", "")

	if config.S3Enabled && config.S3Bucket == "" {
		logger.Warn("RECORDING_S3_ENABLED is set but RECORDING_S3_BUCKET is empty, recordings will not be uploaded")
		config.S3Enabled = false
	}
}

func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.Enabled = getEnvBool("AMQP_ENABLED", config.AMQPUrl != "")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "callcoach.events")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "callcoach-events")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", "callcoach")
	config.Durable = getEnvBool("AMQP_DURABLE", true)
	config.MessageTTL = getEnvDuration("AMQP_MESSAGE_TTL", 0)

	if config.Enabled && config.AMQPUrl == "" {
		logger.Warn("AMQP_ENABLED is set but AMQP_URL is empty, event publishing disabled")
		config.Enabled = false
	}
}

func loadRedisConfig(config *RedisConfig) {
	config.Enabled = getEnvBool("REDIS_ENABLED", false)
	config.Address = getEnv("REDIS_ADDRESS", "localhost:6379")
	config.Password = getEnv("REDIS_PASSWORD", "")
	config.Database = getEnvInt("REDIS_DATABASE", 0)
	config.KeyPrefix = getEnv("REDIS_KEY_PREFIX", "callcoach:")
	config.StatusTTL = getEnvDuration("REDIS_STATUS_TTL", 4*time.Hour)
}

func loadRateLimitConfig(logger *logrus.Logger, config *RateLimitConfig) {
	config.Enabled = getEnvBool("RATE_LIMIT_ENABLED", false)
	config.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", 10)
	if config.RequestsPerSecond <= 0 {
		logger.Warn("Invalid RATE_LIMIT_RPS value, using default: 10")
		config.RequestsPerSecond = 10
	}
	config.BurstSize = getEnvInt("RATE_LIMIT_BURST", 20)
	if config.BurstSize < 1 {
		logger.Warn("Invalid RATE_LIMIT_BURST value, using default: 20")
		config.BurstSize = 20
	}
	config.IdleTTL = getEnvDuration("RATE_LIMIT_IDLE_TTL", 10*time.Minute)
	config.WhitelistedIPs = getEnvList("RATE_LIMIT_WHITELIST_IPS")
}

func loadDatabaseConfig(logger *logrus.Logger, config *DatabaseConfig) {
	config.Enabled = getEnvBool("DATABASE_ENABLED", false)
	config.Host = getEnv("DB_HOST", "localhost")
	config.Port = getEnvInt("DB_PORT", 3306)
	config.Name = getEnv("DB_NAME", "callcoach")
	config.Username = getEnv("DB_USERNAME", "callcoach")
	config.Password = getEnv("DB_PASSWORD", "")
	config.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	config.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	config.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	config.TLSMode = getEnv("DB_TLS_MODE", "")
	config.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", true)

	if config.Enabled {
		logger.Info("Database persistence enabled")
	} else {
		logger.Warn("Database persistence disabled, call records are kept in memory only")
	}
}

func loadCoachingConfig(logger *logrus.Logger, config *CoachingConfig) {
	config.DefaultSampleRate = getEnvInt("AUDIO_DEFAULT_SAMPLE_RATE", 48000)
	config.TranscriptFlushEvery = getEnvInt("TRANSCRIPT_FLUSH_EVERY", 5)
	config.ExtractionBufferMaxChars = getEnvInt("EXTRACTION_BUFFER_MAX_CHARS", 8000)
	config.ExtractionInterval = getEnvDuration("EXTRACTION_INTERVAL", 30*time.Second)
	config.ExtractionMinChars = getEnvInt("EXTRACTION_MIN_CHARS", 100)
	config.MaxAmmoPerPass = getEnvInt("AMMO_MAX_PER_PASS", 5)
	config.TalkTimeCharsPerSecond = getEnvFloat("TALK_TIME_CHARS_PER_SECOND", 15)
	config.TalkTimeFlushInterval = getEnvDuration("TALK_TIME_FLUSH_INTERVAL", 15*time.Second)
	config.NudgeGlobalCooldown = getEnvDuration("NUDGE_GLOBAL_COOLDOWN", 25*time.Second)
	config.NudgeTypeCooldown = getEnvDuration("NUDGE_TYPE_COOLDOWN", 120*time.Second)
	config.MissingInfoAfter = getEnvDuration("NUDGE_MISSING_INFO_AFTER", 5*time.Minute)
	config.ScriptReminderAfter = getEnvDuration("NUDGE_SCRIPT_REMINDER_AFTER", time.Minute)
	config.ScriptReminderInterval = getEnvDuration("NUDGE_SCRIPT_REMINDER_INTERVAL", 90*time.Second)
	config.AssumedCallLength = getEnvDuration("NUDGE_ASSUMED_CALL_LENGTH", 30*time.Minute)
	config.MinDetectionTranscriptChars = getEnvInt("DETECTION_MIN_TRANSCRIPT_CHARS", 200)
	config.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 2*time.Hour)
	config.SessionReapInterval = getEnvDuration("SESSION_REAP_INTERVAL", time.Minute)
	config.BackgroundWorkers = getEnvInt("BACKGROUND_WORKERS", 8)

	if config.TalkTimeCharsPerSecond <= 0 {
		logger.Warn("Invalid TALK_TIME_CHARS_PER_SECOND value, using default: 15")
		config.TalkTimeCharsPerSecond = 15
	}
	if config.TranscriptFlushEvery < 1 {
		logger.Warn("Invalid TRANSCRIPT_FLUSH_EVERY value, using default: 5")
		config.TranscriptFlushEvery = 5
	}
	if config.BackgroundWorkers < 1 {
		config.BackgroundWorkers = 1
	}
}

// validateConfig checks cross-field constraints
func validateConfig(config *Config) error {
	c := config.Coaching

	if c.DefaultSampleRate < 8000 || c.DefaultSampleRate > 192000 {
		return errors.New(fmt.Sprintf("AUDIO_DEFAULT_SAMPLE_RATE out of range: %d", c.DefaultSampleRate))
	}
	if c.ExtractionBufferMaxChars < c.ExtractionMinChars {
		return errors.New("EXTRACTION_BUFFER_MAX_CHARS must not be smaller than EXTRACTION_MIN_CHARS")
	}
	if c.NudgeGlobalCooldown <= 0 || c.NudgeTypeCooldown <= 0 {
		return errors.New("nudge cooldowns must be positive durations")
	}
	if c.AssumedCallLength <= 0 {
		return errors.New("NUDGE_ASSUMED_CALL_LENGTH must be a positive duration")
	}
	if c.SessionReapInterval <= 0 || c.SessionReapInterval >= c.SessionIdleTimeout {
		return errors.New("SESSION_REAP_INTERVAL must be positive and smaller than SESSION_IDLE_TIMEOUT")
	}

	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid LOG_LEVEL: %s", config.Logging.Level))
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

func ensureDirectories(config *Config) error {
	if err := os.MkdirAll(config.Recording.SpillDir, 0755); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to create spill directory: %s", config.Recording.SpillDir))
	}
	return nil
}

// ApplyLogging applies the logging section to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
