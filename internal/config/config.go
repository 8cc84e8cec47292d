package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	Port                   string
	DatabaseURL            string // MySQL or PostgreSQL URL, driver auto-detected
	RedisAddr              string // Optional; enables the cross-instance processing guard
	GuardFailClosed        bool   // Skip processing instead of admitting it when Redis is unreachable
	Version                string
	LogLevel               string
	OpenAIKey              string
	AzureOpenAIKey         string // Azure OpenAI key (primary provider when set)
	AzureOpenAIEndpoint    string
	AzureOpenAIGPTDeploy   string // Azure deployment name for chat completions
	OpenAITimeout          int    // OpenAI API timeout in seconds
	SendGridAPIKey         string // SendGrid API key for outbound replies
	FromEmail              string // From address on generated replies
	FromName               string // Display name on generated replies
	IMAPHost               string // IMAP server for inbox sync
	IMAPPort               int
	IMAPUsername           string
	IMAPPassword           string
	AccountID              string // Mailbox account identifier used in inbox rows
	SyncIntervalSeconds    int    // Inbox poll interval
	ProcessIntervalSeconds int    // Fixed-interval processing trigger
	SendTimeoutSeconds     int    // Bound on a single provider send call
}

// Load initializes and returns application configuration
func Load() *Config {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:                   getEnv("PORT", "8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		GuardFailClosed:        getEnvBool("GUARD_FAIL_CLOSED", false),
		Version:                getEnv("VERSION", "1.0.0"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		OpenAIKey:              os.Getenv("OPENAI_API_KEY"),
		AzureOpenAIKey:         os.Getenv("AZURE_OPENAI_KEY"),
		AzureOpenAIEndpoint:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIGPTDeploy:   getEnv("AZURE_OPENAI_GPT_DEPLOYMENT", "gpt-4o-mini"),
		OpenAITimeout:          getEnvInt("OPENAI_TIMEOUT", 60),
		SendGridAPIKey:         os.Getenv("SENDGRID_API_KEY"),
		FromEmail:              getEnv("FROM_EMAIL", "bookings@shiftdesk.io"),
		FromName:               getEnv("FROM_NAME", "ShiftDesk Bookings"),
		IMAPHost:               os.Getenv("IMAP_HOST"),
		IMAPPort:               getEnvInt("IMAP_PORT", 993),
		IMAPUsername:           os.Getenv("IMAP_USERNAME"),
		IMAPPassword:           os.Getenv("IMAP_PASSWORD"),
		AccountID:              getEnv("MAILBOX_ACCOUNT_ID", "primary"),
		SyncIntervalSeconds:    getEnvInt("SYNC_INTERVAL_SECONDS", 60),
		ProcessIntervalSeconds: getEnvInt("PROCESS_INTERVAL_SECONDS", 60),
		SendTimeoutSeconds:     getEnvInt("SEND_TIMEOUT_SECONDS", 30),
	}

	return config
}

// UseAzureOpenAI reports whether Azure OpenAI is configured as the primary provider
func (c *Config) UseAzureOpenAI() bool {
	return c.AzureOpenAIKey != "" && c.AzureOpenAIEndpoint != ""
}

// HasOpenAIFallback reports whether the OpenAI platform key is configured
func (c *Config) HasOpenAIFallback() bool {
	return c.OpenAIKey != ""
}

// HasIMAP reports whether inbox sync is configured
func (c *Config) HasIMAP() bool {
	return c.IMAPHost != "" && c.IMAPUsername != ""
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean with a default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// SetupLogger configures zerolog with JSON output and single-line format
func (c *Config) SetupLogger() zerolog.Logger {
	// Configure zerolog to output JSON without newlines
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Create logger with JSON output to stdout
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "shiftdesk").
		Str("version", c.Version).
		Logger()

	// Set log level based on configuration
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	return logger
}
