package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	DynamoDB     DynamoDBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Gates        GatesConfig
	Verification VerificationConfig
	Mail         MailConfig
	LogLevel     string
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
	Timeout   time.Duration
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
	Timeout  time.Duration
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// GatesConfig drives the request authentication pipeline. Path entries are
// either exact paths or prefixes ending in "/*".
type GatesConfig struct {
	APIKeyHeader      string
	APIKey            string
	APIKeyExemptPaths []string
	BearerExemptPaths []string
}

// VerificationConfig shapes emailed codes. URLPrefix is the page the link
// in the message opens; it should be a frontend route that redeems the code
// through the API, since a browser following the link cannot send the API key.
type VerificationConfig struct {
	CodeLength  int
	Expiry      time.Duration
	ResetExpiry time.Duration
	URLPrefix   string
}

type MailConfig struct {
	PostmarkServerToken  string
	PostmarkAccountToken string
	Sender               string
}

const minSecretKeyLength = 32

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	storeTimeout := getEnvAsDuration("STORE_TIMEOUT", 2*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "AuthCore"),
			Timeout:   storeTimeout,
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Timeout:  storeTimeout,
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", time.Hour),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		Gates: GatesConfig{
			APIKeyHeader:      getEnv("API_KEY_HEADER", "X-API-KEY"),
			APIKey:            getEnv("SERVICE_PASSWORD", ""),
			APIKeyExemptPaths: getEnvAsList("API_KEY_EXEMPT_PATHS", []string{"/health", "/metrics"}),
			BearerExemptPaths: getEnvAsList("BEARER_EXEMPT_PATHS", []string{
				"/api/users/login",
				"/api/users/register",
			}),
		},
		Verification: VerificationConfig{
			CodeLength:  getEnvAsInt("VERIFICATION_CODE_LENGTH", 6),
			Expiry:      getEnvAsDuration("VERIFICATION_EXPIRY", 5*time.Minute),
			ResetExpiry: getEnvAsDuration("PASSWORD_RESET_EXPIRY", 10*time.Minute),
			URLPrefix:   getEnv("VERIFICATION_URL_PREFIX", "http://localhost:5173/verify"),
		},
		Mail: MailConfig{
			PostmarkServerToken:  getEnv("POSTMARK_SERVER_TOKEN", ""),
			PostmarkAccountToken: getEnv("POSTMARK_ACCOUNT_TOKEN", ""),
			Sender:               getEnv("MAIL_SENDER", "no-reply@localhost"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first configuration problem that would make the
// service unsafe to start.
func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < minSecretKeyLength {
		return fmt.Errorf("JWT_SECRET_KEY must be at least %d bytes (256 bits)", minSecretKeyLength)
	}

	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("JWT expiries must be positive")
	}

	if c.JWT.RefreshExpiry < c.JWT.AccessExpiry {
		return fmt.Errorf("JWT_REFRESH_EXPIRY must not be shorter than JWT_ACCESS_EXPIRY")
	}

	if c.Gates.APIKey == "" {
		return fmt.Errorf("SERVICE_PASSWORD environment variable is required")
	}

	if c.Gates.APIKeyHeader == "" {
		return fmt.Errorf("API_KEY_HEADER must not be empty")
	}

	if c.Verification.CodeLength <= 0 {
		return fmt.Errorf("VERIFICATION_CODE_LENGTH must be positive")
	}

	if c.Verification.Expiry <= 0 {
		return fmt.Errorf("VERIFICATION_EXPIRY must be positive")
	}

	if c.Verification.ResetExpiry <= 0 {
		return fmt.Errorf("PASSWORD_RESET_EXPIRY must be positive")
	}

	if c.Mail.PostmarkServerToken != "" && c.Mail.PostmarkAccountToken == "" {
		return fmt.Errorf("POSTMARK_ACCOUNT_TOKEN is required when POSTMARK_SERVER_TOKEN is set")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
