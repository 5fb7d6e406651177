package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"MIRROR_LOCAL_DIR",
		"MIRROR_BACKEND",
		"MIRROR_REMOTE_ROOT",
		"MIRROR_STATE_PATH",
		"MIRROR_TRANSFERS",
		"MIRROR_RETRY_ATTEMPTS",
		"MIRROR_RETRY_BASE_DELAY",
		"MIRROR_RETRY_MAX_DELAY",
		"MIRROR_EXCLUDE",
		"MIRROR_WATCH_INTERVAL",
		"DRIVE_ACCESS_TOKEN",
		"S3_BUCKET",
		"S3_REGION",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY",
		"S3_SECRET_KEY",
		"SFTP_HOST",
		"SFTP_PORT",
		"SFTP_USER",
		"SFTP_KEY_FILE",
		"SFTP_KNOWN_HOSTS",
		"SFTP_INSECURE_IGNORE_HOST_KEY",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	t.Setenv("HOME", t.TempDir())
}

// setDriveEnv sets the minimum env vars for the drive backend.
func setDriveEnv(t *testing.T, localDir string) {
	t.Helper()
	t.Setenv("MIRROR_LOCAL_DIR", localDir)
	t.Setenv("DRIVE_ACCESS_TOKEN", "ya29.token")
}

// --- Load: drive backend ---

func TestLoad_DriveDefaults(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setDriveEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendDrive, cfg.Backend)
	assert.Equal(t, dir, cfg.LocalDir)
	assert.Equal(t, "root", cfg.RemoteRoot)
	assert.Equal(t, 1, cfg.Transfers)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Zero(t, cfg.WatchInterval)
	assert.Empty(t, cfg.Exclude)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.Equal(t, "state.db", filepath.Base(cfg.StatePath))
}

func TestLoad_MissingLocalDir(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DRIVE_ACCESS_TOKEN", "tok")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIRROR_LOCAL_DIR")
}

func TestLoad_DriveMissingToken(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIVE_ACCESS_TOKEN")
}

func TestLoad_UnknownBackend(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, t.TempDir())
	t.Setenv("MIRROR_BACKEND", "dropbox")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIRROR_BACKEND")
}

func TestLoad_BackendCaseInsensitive(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, t.TempDir())
	t.Setenv("MIRROR_BACKEND", " Drive ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendDrive, cfg.Backend)
}

// --- Load: s3 backend ---

func TestLoad_S3(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())
	t.Setenv("MIRROR_BACKEND", "s3")
	t.Setenv("MIRROR_REMOTE_ROOT", "backups/notes")
	t.Setenv("S3_BUCKET", "bucket")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bucket", cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "backups/notes", cfg.RemoteRoot)
}

func TestLoad_S3MissingBucket(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())
	t.Setenv("MIRROR_BACKEND", "s3")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_BUCKET")
}

func TestLoad_S3PartialCredentials(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())
	t.Setenv("MIRROR_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "bucket")
	t.Setenv("S3_ACCESS_KEY", "ak")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_SECRET_KEY")
}

// --- Load: sftp backend ---

func TestLoad_SFTP(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())
	t.Setenv("MIRROR_BACKEND", "sftp")
	t.Setenv("SFTP_HOST", "nas.local")
	t.Setenv("SFTP_USER", "backup")
	t.Setenv("SFTP_INSECURE_IGNORE_HOST_KEY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 22, cfg.SFTPPort)
	assert.Equal(t, ".", cfg.RemoteRoot)
	assert.True(t, cfg.SFTPInsecureIgnoreHostKey)
}

func TestLoad_SFTPValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing host", map[string]string{"SFTP_USER": "u"}, "SFTP_HOST"},
		{"missing user", map[string]string{"SFTP_HOST": "h"}, "SFTP_USER"},
		{"bad port", map[string]string{"SFTP_HOST": "h", "SFTP_USER": "u", "SFTP_PORT": "70000"}, "SFTP_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("MIRROR_LOCAL_DIR", t.TempDir())
			t.Setenv("MIRROR_BACKEND", "sftp")

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- Tuning ---

func TestLoad_Tuning(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, t.TempDir())
	t.Setenv("MIRROR_TRANSFERS", "4")
	t.Setenv("MIRROR_RETRY_ATTEMPTS", "5")
	t.Setenv("MIRROR_RETRY_BASE_DELAY", "250ms")
	t.Setenv("MIRROR_RETRY_MAX_DELAY", "10s")
	t.Setenv("MIRROR_WATCH_INTERVAL", "5m")
	t.Setenv("MIRROR_EXCLUDE", "**/*.log, cache/** ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Transfers)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.WatchInterval)
	assert.Equal(t, []string{"**/*.log", "cache/**"}, cfg.Exclude)
}

func TestLoad_InvalidTuning(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"zero transfers", "MIRROR_TRANSFERS", "0", "MIRROR_TRANSFERS"},
		{"zero attempts", "MIRROR_RETRY_ATTEMPTS", "0", "MIRROR_RETRY_ATTEMPTS"},
		{"max below base", "MIRROR_RETRY_MAX_DELAY", "10ms", "MIRROR_RETRY_MAX_DELAY"},
		{"negative interval", "MIRROR_WATCH_INTERVAL", "-1s", "MIRROR_WATCH_INTERVAL"},
		{"unparsable duration", "MIRROR_RETRY_BASE_DELAY", "soon", "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setDriveEnv(t, t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- Path resolution ---

func TestLoad_ResolvesRelativeLocalDir(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, "relative/path")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.LocalDir), "LocalDir should be absolute, got: %s", cfg.LocalDir)
	assert.Contains(t, cfg.LocalDir, "relative/path")
}

func TestLoad_ExplicitStatePath(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, t.TempDir())
	t.Setenv("MIRROR_STATE_PATH", "state/custom.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.Equal(t, "custom.db", filepath.Base(cfg.StatePath))
}

func TestLoad_CustomEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t, t.TempDir())
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "warn", cfg.LogLevel)
}

// --- IsProduction ---

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}
