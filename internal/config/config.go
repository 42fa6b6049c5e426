// Package config centralizes how GalleryDrop reads its settings and exposes
// them as strongly typed Go values.
//
// Values come from three layers: built-in defaults, an optional YAML file named
// by GALLERYDROP_CONFIG, and GALLERYDROP_* environment variables. Each layer
// overrides the one before it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable holding the YAML file path.
const EnvConfigFile = "GALLERYDROP_CONFIG"

// Config represents runtime configuration for every GalleryDrop binary.
type Config struct {
	Address    string `yaml:"address"`
	UploadRoot string `yaml:"upload_root"`

	MaxFiles      int   `yaml:"max_files"`
	MaxFields     int   `yaml:"max_fields"`
	MaxFieldBytes int   `yaml:"max_field_bytes"`
	MaxFileSize   int64 `yaml:"max_file_bytes"`
	MaxDepth      int   `yaml:"max_depth"`
	StrictForms   bool  `yaml:"strict_forms"`

	// CounterStart seeds the path allocator. Negative means recover the
	// next sequence from disk or the database.
	CounterStart int64 `yaml:"counter_start"`

	Thresholds      []int `yaml:"thresholds"`
	// MaxPixels caps the canvas an original may declare in its header.
	MaxPixels       int64 `yaml:"max_pixels"`
	ProcessingPool  int   `yaml:"processing_pool"`
	ProcessingQueue int   `yaml:"processing_queue"`

	SigningSecret Secret        `yaml:"signing_secret"`
	SignedURLTTL  time.Duration `yaml:"signed_url_ttl"`

	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// The object-storage mirror is disabled while S3Endpoint is empty.
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Secret is an HMAC key. In YAML it is written as a plain string.
type Secret []byte

func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("signing_secret: %w", err)
	}
	*s = Secret(raw)
	return nil
}

const (
	defaultAddress       = ":8080"
	defaultUploadRoot    = "uploads"
	defaultMaxFiles      = 10
	defaultMaxFields     = 100
	defaultMaxFieldBytes = 80_000
	defaultMaxFileSize   = 25 << 20 // 25 MiB
	defaultMaxDepth      = 2
	defaultThresholds    = "200,400,800,1200"
	defaultMaxPixels     = 50_000_000
	defaultSignedTTL     = 5 * time.Minute
	defaultWorkerCount   = 2
	defaultQueueDepth    = 64
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultS3Region      = "us-east-1"
	defaultS3Bucket      = "gallerydrop"
	defaultCORSOrigin    = "*"
)

// Default returns the built-in configuration.
func Default() *Config {
	thresholds, _ := parseIntList(defaultThresholds)
	return &Config{
		Address:         defaultAddress,
		UploadRoot:      defaultUploadRoot,
		MaxFiles:        defaultMaxFiles,
		MaxFields:       defaultMaxFields,
		MaxFieldBytes:   defaultMaxFieldBytes,
		MaxFileSize:     defaultMaxFileSize,
		MaxDepth:        defaultMaxDepth,
		CounterStart:    -1,
		Thresholds:      thresholds,
		MaxPixels:       defaultMaxPixels,
		ProcessingPool:  defaultWorkerCount,
		ProcessingQueue: defaultQueueDepth,
		SignedURLTTL:    defaultSignedTTL,
		RedisAddr:       defaultRedisAddr,
		S3Region:        defaultS3Region,
		S3Bucket:        defaultS3Bucket,
		LogLevel:        "info",
		LogFormat:       "text",
		CORSOrigin:      defaultCORSOrigin,
	}
}

// Load reads the optional YAML file then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := readEnv(EnvConfigFile, ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	c.Address = readEnv("GALLERYDROP_ADDRESS", c.Address)
	c.UploadRoot = readEnv("GALLERYDROP_UPLOAD_ROOT", c.UploadRoot)
	c.MaxFiles = parseInt("GALLERYDROP_MAX_FILES", c.MaxFiles)
	c.MaxFields = parseInt("GALLERYDROP_MAX_FIELDS", c.MaxFields)
	c.MaxFieldBytes = parseInt("GALLERYDROP_MAX_FIELD_BYTES", c.MaxFieldBytes)
	c.MaxFileSize = parseInt64("GALLERYDROP_MAX_FILE_BYTES", c.MaxFileSize)
	c.MaxDepth = parseInt("GALLERYDROP_MAX_DEPTH", c.MaxDepth)
	c.StrictForms = parseBool("GALLERYDROP_STRICT_FORMS", c.StrictForms)
	c.CounterStart = parseInt64("GALLERYDROP_COUNTER_START", c.CounterStart)
	if v := readEnv("GALLERYDROP_THRESHOLDS", ""); v != "" {
		if parsed, err := parseIntList(v); err == nil {
			c.Thresholds = parsed
		}
	}
	c.MaxPixels = parseInt64("GALLERYDROP_MAX_PIXELS", c.MaxPixels)
	c.ProcessingPool = parseInt("GALLERYDROP_WORKERS", c.ProcessingPool)
	c.ProcessingQueue = parseInt("GALLERYDROP_QUEUE_DEPTH", c.ProcessingQueue)
	if secret := parseSecret("GALLERYDROP_SIGNING_SECRET"); secret != nil {
		c.SigningSecret = secret
	}
	c.SignedURLTTL = parseDuration("GALLERYDROP_SIGNED_TTL", c.SignedURLTTL)
	c.DatabaseURL = readEnv("GALLERYDROP_DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = readEnv("GALLERYDROP_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = readEnv("GALLERYDROP_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = parseInt("GALLERYDROP_REDIS_DB", c.RedisDB)
	c.S3Endpoint = readEnv("GALLERYDROP_S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = readEnv("GALLERYDROP_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = readEnv("GALLERYDROP_S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = readEnv("GALLERYDROP_S3_REGION", c.S3Region)
	c.S3Bucket = readEnv("GALLERYDROP_S3_BUCKET", c.S3Bucket)
	c.S3UseSSL = parseBool("GALLERYDROP_S3_USE_SSL", c.S3UseSSL)
	c.LogLevel = readEnv("GALLERYDROP_LOG_LEVEL", c.LogLevel)
	c.LogFormat = readEnv("GALLERYDROP_LOG_FORMAT", c.LogFormat)
	c.CORSOrigin = readEnv("GALLERYDROP_CORS_ORIGIN", c.CORSOrigin)
}

// normalize replaces nonsensical values with defaults.
func (c *Config) normalize() {
	if len(c.SigningSecret) == 0 {
		// Signed URLs then only survive for the life of the process.
		c.SigningSecret = randomSecret()
	}
	if c.ProcessingPool <= 0 {
		c.ProcessingPool = defaultWorkerCount
	}
	if c.ProcessingQueue <= 0 {
		c.ProcessingQueue = defaultQueueDepth
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = defaultMaxPixels
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = defaultSignedTTL
	}
	if c.UploadRoot == "" {
		c.UploadRoot = defaultUploadRoot
	}
}

// MirrorEnabled reports whether originals and derivatives are copied to S3.
func (c *Config) MirrorEnabled() bool {
	return c.S3Endpoint != ""
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseIntList(val string) ([]int, error) {
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
