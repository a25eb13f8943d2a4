package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	FileBackendInline = "inline"
	FileBackendMinio  = "minio"
)

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	DatabasePath      string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	DBAutoMigrate     bool
	DBMinLookupTime   time.Duration
	TxAcquireTimeout  time.Duration
	SchemaProbeTTL    time.Duration
	RedisURL          string
	RedisTLS          bool
	RedisHostname     string
	RedisCACert       string
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	Argon2KeyLen      uint32
	HasherWorkerCount int
	MaxWorkerLoad     int
	Pepper            Secret
	PepperFromKMS     bool
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	Limits            Limits
	ExpiryPresets     []time.Duration
	DefaultTitle      string
	ContextTimeout    time.Duration
	AllowedOrigins    []string
	MetricsUser       string
	MetricsPass       Secret
	ViewWorkers       int
	CleanupInterval   time.Duration
	FileBackend       string
	FileEncryption    bool
	DEKCacheTTL       time.Duration
	Minio             MinioCfg
	KMS               KMSCfg
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

type Limits struct {
	MaxPasteSize int64
	MaxBlocks    int
	MaxFileSize  int64
	MaxFiles     int
	MaxExpiry    time.Duration
}

type MinioCfg struct {
	Endpoint  string
	AccessKey string
	SecretKey Secret
	Bucket    string
	UseSSL    bool
}

type KMSCfg struct {
	VaultAddr       string
	VaultToken      Secret
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        Secret
	RequirePrimary  bool
	FailClosed      bool
}

// Configured reports whether any provider has been set up.
func (k KMSCfg) Configured() bool {
	return k.VaultAddr != "" || k.AWSRegion != "" || k.LocalKey.Value() != ""
}

// loadDotEnv reads ENV_FILE (or ./.env when present) without overriding
// variables already set in the environment.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}
func Load() (*Cfg, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "pastebook.db")
	c.DBAutoMigrate = getEnv("DB_AUTO_MIGRATE", "true") == "true"
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMinLookupTime, err = getDuration("DB_MIN_LOOKUP_TIME", 0)
	if err != nil {
		return nil, err
	}
	c.TxAcquireTimeout, err = getDuration("TX_ACQUIRE_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, err
	}
	c.SchemaProbeTTL, err = getDuration("SCHEMA_PROBE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 4)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 128*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.Argon2KeyLen, err = getUint32("ARGON2_KEYLEN", 32)
	if err != nil {
		return nil, err
	}
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.MaxWorkerLoad, err = getInt("MAX_WORKER_LOAD", 100)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getEnv("PEPPER_FROM_KMS", "false") == "true"
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.Limits.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxBlocks, err = getInt("MAX_BLOCKS", 100)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxFiles, err = getInt("MAX_FILES", 5)
	if err != nil {
		return nil, err
	}
	c.Limits.MaxExpiry, err = getDuration("MAX_EXPIRY", 365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	presetsStr := getEnv("EXPIRY_PRESETS", "10m,1h,24h,168h,720h")
	for _, s := range strings.Split(presetsStr, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry preset %q: %w", s, err)
		}
		c.ExpiryPresets = append(c.ExpiryPresets, d)
	}
	c.DefaultTitle = getEnv("DEFAULT_TITLE", "Untitled")
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ViewWorkers, err = getInt("VIEW_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.FileBackend = strings.ToLower(getEnv("FILE_BACKEND", FileBackendInline))
	c.FileEncryption = getEnv("FILE_ENCRYPTION", "false") == "true"
	c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.Minio = MinioCfg{
		Endpoint:  getEnv("MINIO_ENDPOINT", ""),
		AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		SecretKey: NewSecret(getEnv("MINIO_SECRET_KEY", "")),
		Bucket:    getEnv("MINIO_BUCKET", "pastebook-files"),
		UseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
	}
	c.KMS = KMSCfg{
		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      NewSecret(getEnv("VAULT_TOKEN", "")),
		VaultTokenFile:  getEnv("VAULT_TOKEN_FILE", ""),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:      getEnv("VAULT_KEY_ID", "pastebook-master"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "secret/data/pastebook"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		AWSKeyID:        getEnv("KMS_MASTER_KEY_ID", "alias/pastebook-master"),
		LocalKey:        NewSecret(getEnv("KMS_LOCAL_KEY", "")),
		RequirePrimary:  getEnv("KMS_REQUIRE_PRIMARY", "false") == "true",
		FailClosed:      getEnv("KMS_FAIL_CLOSED", "true") != "false",
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.TxAcquireTimeout <= 0 || c.TxAcquireTimeout > time.Minute {
		return errors.New("TX_ACQUIRE_TIMEOUT must be between 0 and 1m")
	}
	if c.SchemaProbeTTL < 0 || c.SchemaProbeTTL > time.Hour {
		return errors.New("SCHEMA_PROBE_TTL must be between 0 and 1h")
	}
	if c.DBMinLookupTime < 0 || c.DBMinLookupTime > time.Second {
		return errors.New("DB_MIN_LOOKUP_TIME must be between 0 and 1s")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}

	if c.Argon2Time < 4 {
		return errors.New("ARGON2_TIME must be >= 4")
	}
	if c.Argon2Memory < 128*1024 {
		return errors.New("ARGON2_MEMORY must be >= 131072 (128MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.Argon2KeyLen < 32 {
		return errors.New("ARGON2_KEYLEN must be >= 32")
	}
	if c.HasherWorkerCount < 1 {
		return errors.New("HASHER_WORKER_COUNT must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}

	if c.Limits.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.Limits.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.Limits.MaxBlocks < 1 || c.Limits.MaxBlocks > 1000 {
		return errors.New("MAX_BLOCKS must be between 1 and 1000")
	}
	if c.Limits.MaxFiles < 0 || c.Limits.MaxFiles > 20 {
		return errors.New("MAX_FILES must be between 0 and 20")
	}
	if c.Limits.MaxFileSize <= 0 || c.Limits.MaxFileSize > 100*1024*1024 {
		return errors.New("MAX_FILE_SIZE must be positive and cannot exceed 100MB")
	}
	if c.Limits.MaxExpiry < 0 {
		return errors.New("MAX_EXPIRY must not be negative")
	}
	for _, d := range c.ExpiryPresets {
		if d <= 0 || (c.Limits.MaxExpiry > 0 && d > c.Limits.MaxExpiry) {
			return fmt.Errorf("expiry preset %s outside (0, MAX_EXPIRY]", d)
		}
	}
	if strings.TrimSpace(c.DefaultTitle) == "" {
		return errors.New("DEFAULT_TITLE must not be blank")
	}
	if c.ViewWorkers < 1 {
		return errors.New("VIEW_WORKERS must be positive")
	}
	if c.CleanupInterval < time.Second {
		return errors.New("CLEANUP_INTERVAL must be at least 1s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	switch c.FileBackend {
	case FileBackendInline:
	case FileBackendMinio:
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required when FILE_BACKEND=minio")
		}
		if c.Minio.AccessKey == "" || c.Minio.SecretKey.Value() == "" {
			return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when FILE_BACKEND=minio")
		}
	default:
		return fmt.Errorf("FILE_BACKEND must be %q or %q", FileBackendInline, FileBackendMinio)
	}
	if (c.FileEncryption || c.PepperFromKMS) && !c.KMS.Configured() {
		return errors.New("FILE_ENCRYPTION and PEPPER_FROM_KMS need VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY")
	}
	if c.DEKCacheTTL < 1*time.Minute {
		return errors.New("DEK_CACHE_TTL must be at least 1 minute")
	}
	if c.DEKCacheTTL > 1*time.Hour {
		return errors.New("DEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromKMS {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_KMS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	return nil
}
func (c *Cfg) IsProduction() bool {
	return c.Environment == "production"
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.Minio.SecretKey.Wipe()
	c.KMS.VaultToken.Wipe()
	c.KMS.LocalKey.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
