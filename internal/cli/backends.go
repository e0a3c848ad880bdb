package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aretw0/binlens/pkg/adapters/file"
	"github.com/aretw0/binlens/pkg/adapters/loam"
	"github.com/aretw0/binlens/pkg/adapters/postgres"
	"github.com/aretw0/binlens/pkg/adapters/redis"
	"github.com/aretw0/binlens/pkg/adapters/s3"
	"github.com/aretw0/binlens/pkg/persistence/middleware"
	"github.com/aretw0/binlens/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// StorageOptions selects where configs and session records live.
type StorageOptions struct {
	ConfigDir string
	// ConfigHistory keeps configs in a versioned Loam repository under
	// ConfigDir instead of plain files.
	ConfigHistory bool
	ArchiveDir    string
	RedisURL      string
	DatabaseURL   string
	S3            s3.Options

	// RedactPatterns mask matching parts of archived paths.
	RedactPatterns []string
	// ArchiveKeys are base64 AES-256 keys; the first seals new records.
	ArchiveKeys []string
}

// StorageFromEnv reads StorageOptions from BINLENS_* variables.
func StorageFromEnv() StorageOptions {
	return StorageOptions{
		ConfigDir:     Env(EnvConfigDir, ""),
		ConfigHistory: EnvBool(EnvConfigHistory, false),
		ArchiveDir:    Env(EnvArchiveDir, ""),
		RedisURL:      Env(EnvRedisURL, ""),
		DatabaseURL:   Env(EnvDatabaseURL, ""),
		S3: s3.Options{
			Endpoint:  Env(EnvS3Endpoint, ""),
			Bucket:    Env(EnvS3Bucket, "binlens"),
			AccessKey: Env(EnvS3AccessKey, ""),
			SecretKey: Env(EnvS3SecretKey, ""),
			Region:    Env(EnvS3Region, ""),
			UseSSL:    EnvBool(EnvS3UseSSL, true),
		},
		RedactPatterns: splitList(Env(EnvRedact, "")),
		ArchiveKeys:    splitList(Env(EnvArchiveKey, "") + "," + Env(EnvArchiveKeys, "")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Backends holds the opened storage adapters.
type Backends struct {
	Configs ports.ConfigStore
	Archive ports.Archive
	// Locker is set only when Redis is configured.
	Locker ports.DistributedLocker

	closers []func()
}

// Close releases every connection opened by OpenBackends.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenBackends connects the configured adapters.
//
// Configs go to Redis when a Redis URL is set, else to a Loam repository when
// ConfigHistory is on, else to files. Records go to
// Postgres, then S3, then Redis, then files, whichever is configured first.
func OpenBackends(ctx context.Context, opts StorageOptions, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	var rdb *backend.Client
	if opts.RedisURL != "" {
		ro, err := backend.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = backend.NewClient(ro)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.Configs = redis.NewFromClient(rdb)
		b.Locker = redis.NewLocker(rdb, "binlens:lock:")
		logger.Info("Using redis for configs and locking", "addr", ro.Addr)
	} else if opts.ConfigHistory {
		store, err := loam.New(opts.ConfigDir)
		if err != nil {
			return nil, err
		}
		b.Configs = store
		logger.Info("Using loam for configs", "root", store.Root)
	} else {
		b.Configs = file.New(opts.ConfigDir)
	}

	switch {
	case opts.DatabaseURL != "":
		pg, err := postgres.Open(ctx, opts.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.Archive = pg
		logger.Info("Archiving sessions to postgres")
	case opts.S3.Endpoint != "":
		arch, err := s3.New(opts.S3)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := arch.EnsureBucket(ctx, opts.S3.Region); err != nil {
			b.Close()
			return nil, err
		}
		b.Archive = arch
		logger.Info("Archiving sessions to s3", "endpoint", opts.S3.Endpoint, "bucket", opts.S3.Bucket)
	case rdb != nil:
		b.Archive = redis.NewArchive(rdb, "")
		logger.Info("Archiving sessions to redis")
	default:
		b.Archive = file.NewArchive(opts.ArchiveDir)
	}

	mws, err := archiveMiddleware(opts)
	if err != nil {
		b.Close()
		return nil, err
	}
	if len(mws) > 0 {
		b.Archive = middleware.Chain(b.Archive, mws...)
		logger.Info("Archive middleware enabled", "redact", len(opts.RedactPatterns) > 0, "encrypt", len(opts.ArchiveKeys) > 0)
	}
	return b, nil
}

func archiveMiddleware(opts StorageOptions) ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(opts.RedactPatterns) > 0 {
		mw, err := middleware.NewRedactMiddleware(opts.RedactPatterns)
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	if len(opts.ArchiveKeys) > 0 {
		keys := make([][]byte, len(opts.ArchiveKeys))
		for i, k := range opts.ArchiveKeys {
			key, err := base64.StdEncoding.DecodeString(k)
			if err != nil {
				return nil, fmt.Errorf("archive key %d is not base64: %w", i+1, err)
			}
			keys[i] = key
		}
		mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    keys[0],
			FallbackKeys: keys[1:],
		})
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	return mws, nil
}
