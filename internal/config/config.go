package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// JWTKeyManager provides secure JWT secret management with rotation support.
type JWTKeyManager struct {
	currentSecret    string
	previousSecret   string
	rotationTime     time.Time
	rotationInterval time.Duration
	lock             sync.RWMutex
	logger           *log.Logger
}

// VaultClient provides secure secret management via HashiCorp Vault.
type VaultClient struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

var (
	keyManager = &JWTKeyManager{
		logger: log.New(os.Stdout, "[JWT-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
	}
	vaultClient *VaultClient
)

// InitializeKeyManager sets up the JWT key manager with current secret.
func InitializeKeyManager(secret string) {
	keyManager.lock.Lock()
	defer keyManager.lock.Unlock()

	keyManager.currentSecret = secret
	keyManager.previousSecret = ""
	keyManager.rotationTime = time.Now()
	keyManager.rotationInterval = 24 * time.Hour
	keyManager.logger.Printf("JWT key manager initialized with rotation interval: %v", keyManager.rotationInterval)
}

// InitializeVaultClient sets up a HashiCorp Vault client for secret management.
func InitializeVaultClient(vaultAddr, token, mountPath, secretPath string) error {
	cfg := &api.Config{Address: vaultAddr}

	client, err := api.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("config: create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return fmt.Errorf("config: connect to vault: %w", err)
	}

	vaultClient = &VaultClient{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     log.New(os.Stdout, "[VAULT] ", log.Ldate|log.Ltime|log.LUTC),
	}
	vaultClient.logger.Printf("vault client initialized - address: %s, mount: %s, path: %s", vaultAddr, mountPath, secretPath)
	return nil
}

// GetSecretFromVault retrieves a secret key from HashiCorp Vault.
func GetSecretFromVault(key string) (string, error) {
	if vaultClient == nil {
		return "", fmt.Errorf("config: vault client not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := vaultClient.client.KVv2(vaultClient.mountPath).Get(ctx, vaultClient.secretPath)
	if err != nil {
		return "", fmt.Errorf("config: retrieve secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("config: secret not found at %s/%s", vaultClient.mountPath, vaultClient.secretPath)
	}

	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("config: secret key %q not found or not a string", key)
	}
	return value, nil
}

// GetJWTSecretFromVault retrieves the JWT signing secret from Vault, falling
// back to the JWT_SECRET environment variable.
func GetJWTSecretFromVault() (string, error) {
	if vaultClient != nil {
		secret, err := GetSecretFromVault("jwt_secret")
		if err == nil && secret != "" {
			vaultClient.logger.Printf("JWT secret retrieved from vault")
			return secret, nil
		}
		vaultClient.logger.Printf("failed to get JWT secret from vault, falling back to environment: %v", err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", fmt.Errorf("config: JWT_SECRET not found in vault or environment")
	}
	return secret, nil
}

// GetCurrentSecret provides thread-safe access to the current JWT secret.
func GetCurrentSecret() string {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.currentSecret
}

// GetPreviousSecret provides thread-safe access to the previous JWT secret,
// accepted alongside the current one during a rotation's transition period.
func GetPreviousSecret() string {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.previousSecret
}

// RotateSecret performs JWT secret rotation, keeping the old secret valid
// for auth frames already in flight.
func RotateSecret(newSecret string) error {
	if err := ValidateJWTSecret(newSecret); err != nil {
		return fmt.Errorf("config: new JWT secret validation failed: %w", err)
	}

	keyManager.lock.Lock()
	defer keyManager.lock.Unlock()

	keyManager.logger.Printf("starting JWT secret rotation - current: %s, new: %s",
		getSecretPreview(keyManager.currentSecret), getSecretPreview(newSecret))

	keyManager.previousSecret = keyManager.currentSecret
	keyManager.currentSecret = newSecret
	keyManager.rotationTime = time.Now()

	keyManager.logger.Printf("JWT secret rotation complete, transition period started")
	return nil
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Config holds the relay instance's runtime configuration.
type Config struct {
	InstanceID  string
	ListenPort  string
	RedisURL    string
	ConsulURL   string
	JWTSecret   string
	MaxSkip     int
	SweepPeriod time.Duration
}

// Load reads configuration from Vault, falling back to environment
// variables when Vault is unreachable or unconfigured.
func Load() *Config {
	loadEnvFiles()

	vaultAddr := os.Getenv("VAULT_ADDR")
	vaultToken := os.Getenv("VAULT_TOKEN")
	mountPath := getEnv("VAULT_MOUNT_PATH", "secret")
	secretPath := getEnv("VAULT_SECRET_PATH", "ratchet-relay")

	if vaultAddr != "" && vaultToken != "" {
		if err := InitializeVaultClient(vaultAddr, vaultToken, mountPath, secretPath); err != nil {
			log.Printf("WARN: failed to initialize vault client: %v", err)
			log.Printf("falling back to environment variables for secrets")
		}
	}

	jwtSecret, err := GetJWTSecretFromVault()
	if err != nil {
		log.Fatalf("FATAL: JWT_SECRET not found in vault or environment: %v", err)
	}
	if err := ValidateJWTSecret(jwtSecret); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	InitializeKeyManager(jwtSecret)

	cfg := &Config{
		InstanceID:  getEnv("INSTANCE_ID", "ratchet-relay-1"),
		ListenPort:  getEnv("LISTEN_PORT", "8080"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
		ConsulURL:   getEnv("CONSUL_URL", "localhost:8500"),
		JWTSecret:   jwtSecret,
		MaxSkip:     int(getEnvInt64("MAX_SKIP", 1000)),
		SweepPeriod: time.Duration(getEnvInt64("SELF_DESTRUCT_SWEEP_SECONDS", 5)) * time.Second,
	}

	if err := validateProductionSecrets(cfg); err != nil {
		log.Fatalf("FATAL: production secret validation failed: %v", err)
	}
	return cfg
}

func validateProductionSecrets(cfg *Config) error {
	if getEnv("NODE_ENV", "development") != "production" {
		return nil
	}
	if cfg.JWTSecret == "a1b2c3d4e5f6789012345678901234567890123456789012345678901234567890" {
		return fmt.Errorf("production environment detected but JWT_SECRET is using the default development value")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or fails the process if unset.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return value
}

// GetJWTSecret provides validated access to the current JWT secret.
func GetJWTSecret() (string, error) {
	secret := GetCurrentSecret()
	if err := ValidateJWTSecret(secret); err != nil {
		return "", err
	}
	return secret, nil
}

// GetAllActiveSecrets returns both current and previous secrets for dual-key
// validation during a rotation's transition period.
func GetAllActiveSecrets() (current, previous string, hasPrevious bool) {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.currentSecret, keyManager.previousSecret, keyManager.previousSecret != ""
}

// GetRotationInfo returns when the JWT secret last rotated and at what interval.
func GetRotationInfo() (lastRotation time.Time, interval time.Duration) {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.rotationTime, keyManager.rotationInterval
}

// SetRotationInterval sets the automatic rotation interval, floored at 1 hour.
func SetRotationInterval(interval time.Duration) {
	keyManager.lock.Lock()
	defer keyManager.lock.Unlock()

	if interval < time.Hour {
		keyManager.logger.Printf("rotation interval %v too short, using minimum 1 hour", interval)
		interval = time.Hour
	}
	keyManager.rotationInterval = interval
	keyManager.logger.Printf("rotation interval set to %v", interval)
}

// ShouldRotate reports whether the configured rotation interval has elapsed.
func ShouldRotate() bool {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	if keyManager.rotationInterval <= 0 {
		return false
	}
	return time.Since(keyManager.rotationTime) >= keyManager.rotationInterval
}

func getSecretPreview(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// ValidateJWTSecret checks that secret meets the minimum security bar: at
// least 32 characters with enough character diversity to not be a trivial
// placeholder.
func ValidateJWTSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("config: JWT secret cannot be empty")
	}
	if len(secret) < 32 {
		return fmt.Errorf("config: JWT secret must be at least 32 characters long")
	}

	unique := make(map[rune]bool)
	for _, r := range secret {
		unique[r] = true
	}
	if len(unique) < 10 {
		return fmt.Errorf("config: JWT secret must contain at least 10 unique characters")
	}
	return nil
}
