package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all configuration settings for the application.
type Config struct {
	// Server settings
	ListenAddress string
	ListenPort    string

	// Storage settings
	RecordFilePath string        // remote record store backing file
	LocalFilePath  string        // durable local key-value backing file
	SaveInterval   time.Duration // debounce interval for both stores
	EnableBackup   bool

	// Session token settings
	JwtSecret     string
	JwtSecretFile string
	TokenLifetime time.Duration

	// Sync core settings
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	AuthWaitTimeout     time.Duration // wait for the first auth state callback
	UsernameWaitTimeout time.Duration
	UsernamePollEvery   time.Duration
	RoomIDLength        int
}

const (
	defaultAddress       = "0.0.0.0"
	defaultPort          = "8080"
	defaultRecordFile    = "./speedcode_records.json"
	defaultLocalFile     = "./speedcode_local.json"
	defaultSaveInterval  = 3 * time.Second
	defaultEnableBackup  = true
	defaultJwtKeyFile    = "./speedcode.key"
	defaultTokenLifetime = 24 * time.Hour

	defaultRetryMaxAttempts    = 3
	defaultRetryBaseDelay      = 1 * time.Second
	defaultAuthWaitTimeout     = 10 * time.Second
	defaultUsernameWaitTimeout = 30 * time.Second
	defaultUsernamePollEvery   = 100 * time.Millisecond
	defaultRoomIDLength        = 6
)

// Default returns the built-in configuration with no environment or flag
// overrides applied. Tests construct their Config from this.
func Default() *Config {
	return &Config{
		ListenAddress:       defaultAddress,
		ListenPort:          defaultPort,
		RecordFilePath:      defaultRecordFile,
		LocalFilePath:       defaultLocalFile,
		SaveInterval:        defaultSaveInterval,
		EnableBackup:        defaultEnableBackup,
		TokenLifetime:       defaultTokenLifetime,
		RetryMaxAttempts:    defaultRetryMaxAttempts,
		RetryBaseDelay:      defaultRetryBaseDelay,
		AuthWaitTimeout:     defaultAuthWaitTimeout,
		UsernameWaitTimeout: defaultUsernameWaitTimeout,
		UsernamePollEvery:   defaultUsernamePollEvery,
		RoomIDLength:        defaultRoomIDLength,
	}
}

// LoadConfig loads configuration from defaults, environment variables, and
// command-line flags. Flags take precedence over environment variables, which
// take precedence over defaults. Environment variables use the SPEEDCODE_
// prefix.
func LoadConfig() (*Config, error) {
	cfg := Default()

	flag.StringVar(&cfg.ListenAddress, "address", getEnv("SPEEDCODE_LISTEN_ADDRESS", defaultAddress), "Server listen address (Env: SPEEDCODE_LISTEN_ADDRESS)")
	flag.StringVar(&cfg.ListenPort, "port", getEnv("SPEEDCODE_LISTEN_PORT", defaultPort), "Server listen port (Env: SPEEDCODE_LISTEN_PORT)")
	flag.StringVar(&cfg.RecordFilePath, "record-file", getEnv("SPEEDCODE_RECORD_FILE_PATH", defaultRecordFile), "Path to the record store JSON file (Env: SPEEDCODE_RECORD_FILE_PATH)")
	flag.StringVar(&cfg.LocalFilePath, "local-file", getEnv("SPEEDCODE_LOCAL_FILE_PATH", defaultLocalFile), "Path to the local storage JSON file (Env: SPEEDCODE_LOCAL_FILE_PATH)")
	saveIntervalStr := flag.String("save-interval", getEnv("SPEEDCODE_SAVE_INTERVAL", defaultSaveInterval.String()), "Debounce interval for persisting stores (e.g. 5s, 100ms) (Env: SPEEDCODE_SAVE_INTERVAL)")
	flag.BoolVar(&cfg.EnableBackup, "enable-backup", getEnvBool("SPEEDCODE_ENABLE_BACKUP", defaultEnableBackup), "Keep a .bak file of each store before saving (Env: SPEEDCODE_ENABLE_BACKUP)")
	flag.StringVar(&cfg.JwtSecretFile, "jwt-secret-file", getEnv("SPEEDCODE_JWT_SECRET_FILE", ""), "Path to file containing the session token secret (Env: SPEEDCODE_JWT_SECRET_FILE)")
	flag.IntVar(&cfg.RetryMaxAttempts, "retry-attempts", getEnvInt("SPEEDCODE_RETRY_ATTEMPTS", defaultRetryMaxAttempts), "Maximum attempts for remote operations (Env: SPEEDCODE_RETRY_ATTEMPTS)")
	retryBaseStr := flag.String("retry-base-delay", getEnv("SPEEDCODE_RETRY_BASE_DELAY", defaultRetryBaseDelay.String()), "Base delay for linear retry backoff (Env: SPEEDCODE_RETRY_BASE_DELAY)")

	flag.Parse()

	var err error
	cfg.SaveInterval, err = time.ParseDuration(*saveIntervalStr)
	if err != nil {
		log.Printf("WARN: Invalid save-interval duration '%s'. Using default %s. Error: %v", *saveIntervalStr, defaultSaveInterval, err)
		cfg.SaveInterval = defaultSaveInterval
	}
	cfg.RetryBaseDelay, err = time.ParseDuration(*retryBaseStr)
	if err != nil {
		log.Printf("WARN: Invalid retry-base-delay duration '%s'. Using default %s. Error: %v", *retryBaseStr, defaultRetryBaseDelay, err)
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxAttempts < 1 {
		log.Printf("WARN: retry-attempts must be at least 1, got %d. Using default %d.", cfg.RetryMaxAttempts, defaultRetryMaxAttempts)
		cfg.RetryMaxAttempts = defaultRetryMaxAttempts
	}

	if err := resolveJwtSecret(cfg); err != nil {
		return nil, err
	}

	for _, p := range []*string{&cfg.RecordFilePath, &cfg.LocalFilePath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("could not determine absolute path for '%s': %w", *p, err)
		}
		*p = abs
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			return nil, fmt.Errorf("storage path '%s' points to a directory, not a file", abs)
		}
	}

	logConfiguration(cfg)
	return cfg, nil
}

// resolveJwtSecret fills cfg.JwtSecret. Priority: explicit file > environment
// variable > default key file > generate-and-save.
func resolveJwtSecret(cfg *Config) error {
	if cfg.JwtSecretFile != "" {
		secretBytes, err := os.ReadFile(cfg.JwtSecretFile)
		if err == nil {
			cfg.JwtSecret = strings.TrimSpace(string(secretBytes))
			if cfg.JwtSecret != "" {
				log.Printf("INFO: Loaded session token secret from file: %s", cfg.JwtSecretFile)
				return nil
			}
			log.Printf("WARN: Session secret file '%s' is empty. Checking other sources.", cfg.JwtSecretFile)
		} else {
			log.Printf("WARN: Failed to read session secret file '%s': %v. Checking other sources.", cfg.JwtSecretFile, err)
		}
	}

	if envSecret := strings.TrimSpace(getEnv("SPEEDCODE_JWT_SECRET", "")); envSecret != "" {
		cfg.JwtSecret = envSecret
		log.Printf("INFO: Loaded session token secret from SPEEDCODE_JWT_SECRET environment variable.")
		return nil
	}

	if secretBytes, err := os.ReadFile(defaultJwtKeyFile); err == nil {
		cfg.JwtSecret = strings.TrimSpace(string(secretBytes))
		if cfg.JwtSecret != "" {
			log.Printf("INFO: Loaded session token secret from default key file: %s", defaultJwtKeyFile)
			return nil
		}
	} else if !os.IsNotExist(err) {
		log.Printf("WARN: Failed to read default key file '%s': %v. Will generate a new secret.", defaultJwtKeyFile, err)
	}

	log.Printf("INFO: No session token secret found. Generating a new one...")
	secret, err := generateRandomKey(32)
	if err != nil {
		return fmt.Errorf("failed to generate session token secret: %w", err)
	}
	cfg.JwtSecret = secret
	if err := os.WriteFile(defaultJwtKeyFile, []byte(secret), 0600); err != nil {
		log.Printf("WARN: Failed to save generated secret to '%s': %v. Using it for this session only.", defaultJwtKeyFile, err)
	} else {
		log.Printf("INFO: Generated and saved new session token secret to: %s", defaultJwtKeyFile)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. Recognizes "true", "1", "yes" (case-insensitive) as true.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
		log.Printf("WARN: Invalid boolean value for environment variable %s: '%s'. Using default: %t", key, value, fallback)
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable or returns a default.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &n); err == nil {
			return n
		}
		log.Printf("WARN: Invalid integer value for environment variable %s: '%s'. Using default: %d", key, value, fallback)
	}
	return fallback
}

// logConfiguration prints the loaded configuration settings.
func logConfiguration(cfg *Config) {
	log.Println("--- Configuration ---")
	log.Printf("Server Address: %s", cfg.ListenAddress)
	log.Printf("Server Port: %s", cfg.ListenPort)
	log.Printf("Record Store File: %s", cfg.RecordFilePath)
	log.Printf("Local Storage File: %s", cfg.LocalFilePath)
	log.Printf("Save Interval: %s", cfg.SaveInterval)
	log.Printf("Backup Enabled: %t", cfg.EnableBackup)
	log.Printf("Session Token Lifetime: %s", cfg.TokenLifetime)
	log.Printf("Retry Attempts: %d", cfg.RetryMaxAttempts)
	log.Printf("Retry Base Delay: %s", cfg.RetryBaseDelay)
	log.Println("---------------------")
}

// generateRandomKey generates a cryptographically secure random key of the
// specified byte length and returns it as a hex-encoded string.
func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
