package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/vault-mirror/internal/config"
	"github.com/alexjbarnes/vault-mirror/internal/localfs"
	"github.com/alexjbarnes/vault-mirror/internal/logging"
	"github.com/alexjbarnes/vault-mirror/internal/mirror"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
	"github.com/alexjbarnes/vault-mirror/internal/remote/drive"
	"github.com/alexjbarnes/vault-mirror/internal/remote/s3remote"
	"github.com/alexjbarnes/vault-mirror/internal/remote/sftpremote"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// app holds what every command needs: config, logger and the profile
// store. The remote backend is only connected by commands that use it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	store  *state.ProfileStore
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	store, err := st.OpenProfile(state.Profile{
		LocalDir:   cfg.LocalDir,
		Backend:    cfg.Backend,
		RemoteRoot: cfg.RemoteRoot,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	logger.Debug("profile opened",
		slog.String("profile", store.Profile().ID),
		slog.String("local_dir", cfg.LocalDir),
		slog.String("backend", cfg.Backend),
		slog.String("remote_root", cfg.RemoteRoot),
	)

	return &app{cfg: cfg, logger: logger, state: st, store: store}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

// runner connects the backend and builds a runner for the profile. The
// returned func releases the backend connection.
func (a *app) runner(ctx context.Context) (*mirror.Runner, *mirror.Filter, func(), error) {
	fsys, err := localfs.New(a.cfg.LocalDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening local dir: %w", err)
	}

	filter, err := mirror.LoadFilter(fsys.Dir(), a.cfg.Exclude)
	if err != nil {
		return nil, nil, nil, err
	}

	store, rootID, closeFn, err := newBackend(ctx, a.cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	r := mirror.NewRunner(mirror.RunnerConfig{
		Local:  fsys,
		Remote: store,
		RootID: rootID,
		Store:  a.store,
		Filter: filter,
		Retry: mirror.RetryPolicy{
			Attempts:  a.cfg.RetryAttempts,
			BaseDelay: a.cfg.RetryBaseDelay,
			MaxDelay:  a.cfg.RetryMaxDelay,
		},
		Transfers: a.cfg.Transfers,
		Logger:    a.logger,
	})

	return r, filter, closeFn, nil
}

// newBackend connects the configured remote and resolves the root id the
// local root maps onto.
func newBackend(ctx context.Context, cfg *config.Config) (remote.Storage, string, func(), error) {
	switch cfg.Backend {
	case config.BackendDrive:
		c, err := drive.New(ctx, cfg.DriveAccessToken)
		if err != nil {
			return nil, "", nil, err
		}

		return c, cfg.RemoteRoot, func() {}, nil

	case config.BackendS3:
		s, err := s3remote.New(ctx, s3remote.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, "", nil, fmt.Errorf("creating s3 client: %w", err)
		}

		return s, s3remote.RootID(cfg.RemoteRoot), func() {}, nil

	case config.BackendSFTP:
		s, err := sftpremote.Connect(sftpremote.Config{
			Host:                  cfg.SFTPHost,
			Port:                  cfg.SFTPPort,
			User:                  cfg.SFTPUser,
			KeyFile:               cfg.SFTPKeyFile,
			KnownHostsFile:        cfg.SFTPKnownHosts,
			InsecureIgnoreHostKey: cfg.SFTPInsecureIgnoreHostKey,
		})
		if err != nil {
			return nil, "", nil, err
		}

		rootID, err := s.EnsureRoot(cfg.RemoteRoot)
		if err != nil {
			s.Close()
			return nil, "", nil, err
		}

		return s, rootID, func() { s.Close() }, nil
	}

	return nil, "", nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
