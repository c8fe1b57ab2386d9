package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dbutils/internal/codec"
)

// Config holds all application configuration
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
	LogFile   string // optional extra output path

	// Archive pipeline
	ArchiveBufferSize int // ring buffer capacity between packer and compressor
	ZstdLevel         int
	ZstdWindowLog     uint
	ZstdWindowLogMax  uint // decoder ceiling, must be >= ZstdWindowLog
	ZstdChecksums     bool

	// Remote sources
	HTTPTimeout time.Duration // response header timeout for HTTP(S) sources

	// S3
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Metrics
	MetricsTextfile string // node_exporter textfile written after each command
	MetricsUsername string
	MetricsPassword string

	// Server
	Port               string
	ArchiveName        string
	AppendYMD          bool
	MaxActiveDownloads int // concurrent archive streams, 0 = unlimited
	EnableHTTPS        bool

	// Security
	EnforceSigning bool
	SigningSecret  []byte

	// Let's Encrypt
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if logFormat == "" {
		logFormat = "console"
	}
	if logFormat != "console" && logFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want console or json", logFormat)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	bufferSize := parseInt(os.Getenv("ARCHIVE_BUFFER_SIZE"), 8<<20)
	if bufferSize <= 0 {
		return nil, fmt.Errorf("invalid ARCHIVE_BUFFER_SIZE %d: must be positive", bufferSize)
	}

	windowLog := uint(parseInt(os.Getenv("ZSTD_WINDOW_LOG"), int(codec.WindowLog)))
	if windowLog < codec.MinWindowLog || windowLog > codec.MaxEncodeWindowLog {
		return nil, fmt.Errorf("invalid ZSTD_WINDOW_LOG %d: must be in [%d, %d]", windowLog, codec.MinWindowLog, codec.MaxEncodeWindowLog)
	}
	windowLogMax := uint(parseInt(os.Getenv("ZSTD_WINDOW_LOG_MAX"), int(codec.DecodeWindowLogMax)))
	if windowLogMax < codec.MinWindowLog || windowLogMax > codec.MaxDecodeWindowLog {
		return nil, fmt.Errorf("invalid ZSTD_WINDOW_LOG_MAX %d: must be in [%d, %d]", windowLogMax, codec.MinWindowLog, codec.MaxDecodeWindowLog)
	}
	if windowLogMax < windowLog {
		return nil, fmt.Errorf("ZSTD_WINDOW_LOG_MAX %d is below ZSTD_WINDOW_LOG %d", windowLogMax, windowLog)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	archiveName := os.Getenv("ARCHIVE_NAME")
	if archiveName == "" {
		archiveName = "storage"
	}

	s3Region := os.Getenv("S3_REGION")
	if s3Region == "" {
		s3Region = "us-east-1"
	}

	enableHTTPS := parseBool(os.Getenv("ENABLE_HTTPS"), false)
	var letsEncryptDomains []string
	if enableHTTPS {
		letsEncryptDomains = parseStringList(os.Getenv("LETSENCRYPT_DOMAINS"))
		if len(letsEncryptDomains) == 0 {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
	}

	letsEncryptCacheDir := os.Getenv("LETSENCRYPT_CACHE_DIR")
	if letsEncryptCacheDir == "" {
		letsEncryptCacheDir = "./certs"
	}

	enforceSigning := parseBool(os.Getenv("ENFORCE_SIGNING"), false)
	signingSecret := []byte(os.Getenv("SIGNING_SECRET"))
	if enforceSigning && len(signingSecret) == 0 {
		return nil, fmt.Errorf("SIGNING_SECRET required when ENFORCE_SIGNING=true")
	}

	return &Config{
		LogLevel:                  logLevel,
		LogFormat:                 logFormat,
		LogFile:                   os.Getenv("LOG_FILE"),
		ArchiveBufferSize:         bufferSize,
		ZstdLevel:                 parseInt(os.Getenv("ZSTD_LEVEL"), codec.CompressionLevel),
		ZstdWindowLog:             windowLog,
		ZstdWindowLogMax:          windowLogMax,
		ZstdChecksums:             parseBool(os.Getenv("ZSTD_CHECKSUMS"), true),
		HTTPTimeout:               parseDuration(os.Getenv("HTTP_TIMEOUT"), 30*time.Second),
		S3Endpoint:                os.Getenv("S3_ENDPOINT"),
		S3Region:                  s3Region,
		S3AccessKeyID:             os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:         os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3UsePathStyle:            parseBool(os.Getenv("S3_USE_PATH_STYLE"), false),
		CircuitBreakerThreshold:   parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5),
		CircuitBreakerTimeout:     parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second),
		CircuitBreakerMaxRequests: parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2),
		MetricsTextfile:           os.Getenv("METRICS_TEXTFILE"),
		MetricsUsername:           os.Getenv("METRICS_USERNAME"),
		MetricsPassword:           os.Getenv("METRICS_PASSWORD"),
		Port:                      port,
		ArchiveName:               archiveName,
		AppendYMD:                 parseBool(os.Getenv("APPEND_YMD"), false),
		MaxActiveDownloads:        parseInt(os.Getenv("MAX_ACTIVE_DOWNLOADS"), 1),
		EnableHTTPS:               enableHTTPS,
		EnforceSigning:            enforceSigning,
		SigningSecret:             signingSecret,
		LetsEncryptDomains:        letsEncryptDomains,
		LetsEncryptCacheDir:       letsEncryptCacheDir,
		LetsEncryptEmail:          os.Getenv("LETSENCRYPT_EMAIL"),
	}, nil
}

// EncoderOptions returns the compression parameters for new archives
func (c *Config) EncoderOptions() codec.EncoderOptions {
	return codec.EncoderOptions{
		Level:     c.ZstdLevel,
		WindowLog: c.ZstdWindowLog,
		Checksum:  c.ZstdChecksums,
	}
}

// Helper functions for parsing configuration values

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
