package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// Supported remote backends.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
	BackendSFTP  = "sftp"
)

// driveRootAlias addresses the Drive "My Drive" root folder.
const driveRootAlias = "root"

// Config holds all environment-based configuration for vault-mirror.
type Config struct {
	// Local directory mirrored against the remote. Required.
	LocalDir string `env:"MIRROR_LOCAL_DIR"`

	// Backend is one of drive, s3 or sftp.
	Backend string `env:"MIRROR_BACKEND" envDefault:"drive"`

	// RemoteRoot is the Drive folder id, S3 key prefix or SFTP directory
	// the local tree maps onto. Defaults to the backend's root.
	RemoteRoot string `env:"MIRROR_REMOTE_ROOT"`

	// StatePath is the bbolt database holding sync records. Defaults to
	// ~/.vault-mirror/state.db.
	StatePath string `env:"MIRROR_STATE_PATH"`

	Transfers      int           `env:"MIRROR_TRANSFERS" envDefault:"1"`
	RetryAttempts  int           `env:"MIRROR_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"MIRROR_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"MIRROR_RETRY_MAX_DELAY" envDefault:"30s"`

	// Exclude holds doublestar globs matched against relative paths.
	Exclude []string `env:"MIRROR_EXCLUDE" envSeparator:","`

	// WatchInterval re-runs the mirror periodically in watch mode.
	WatchInterval time.Duration `env:"MIRROR_WATCH_INTERVAL" envDefault:"0s"`

	// Google Drive
	DriveAccessToken string `env:"DRIVE_ACCESS_TOKEN"`

	// S3 or any S3-compatible store. Credentials fall back to the default
	// AWS chain when unset.
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// SFTP
	SFTPHost                  string `env:"SFTP_HOST"`
	SFTPPort                  int    `env:"SFTP_PORT" envDefault:"22"`
	SFTPUser                  string `env:"SFTP_USER"`
	SFTPKeyFile               string `env:"SFTP_KEY_FILE"`
	SFTPKnownHosts            string `env:"SFTP_KNOWN_HOSTS"`
	SFTPInsecureIgnoreHostKey bool   `env:"SFTP_INSECURE_IGNORE_HOST_KEY" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.Exclude = cleanList(cfg.Exclude)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The local root is compared by prefix in path traversal checks, which
	// only works reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("resolving local dir to absolute path: %w", err)
	}

	cfg.LocalDir = absDir

	if cfg.StatePath == "" {
		cfg.StatePath, err = state.DefaultPath()
		if err != nil {
			return nil, err
		}
	} else if cfg.StatePath, err = filepath.Abs(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = defaultRemoteRoot(cfg.Backend)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LocalDir == "" {
		return fmt.Errorf("MIRROR_LOCAL_DIR is required")
	}

	if c.Transfers < 1 {
		return fmt.Errorf("MIRROR_TRANSFERS must be at least 1, got %d", c.Transfers)
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("MIRROR_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}

	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("MIRROR_RETRY_MAX_DELAY (%s) must not be below MIRROR_RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}

	if c.WatchInterval < 0 {
		return fmt.Errorf("MIRROR_WATCH_INTERVAL must not be negative")
	}

	switch c.Backend {
	case BackendDrive:
		if c.DriveAccessToken == "" {
			return fmt.Errorf("DRIVE_ACCESS_TOKEN is required for the drive backend")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}

		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	case BackendSFTP:
		if c.SFTPHost == "" {
			return fmt.Errorf("SFTP_HOST is required for the sftp backend")
		}

		if c.SFTPUser == "" {
			return fmt.Errorf("SFTP_USER is required for the sftp backend")
		}

		if c.SFTPPort < 1 || c.SFTPPort > 65535 {
			return fmt.Errorf("SFTP_PORT out of range: %d", c.SFTPPort)
		}
	default:
		return fmt.Errorf("unknown MIRROR_BACKEND %q (want drive, s3 or sftp)", c.Backend)
	}

	return nil
}

func defaultRemoteRoot(backend string) string {
	switch backend {
	case BackendDrive:
		return driveRootAlias
	case BackendSFTP:
		return "."
	}

	return ""
}

func cleanList(in []string) []string {
	var out []string

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
