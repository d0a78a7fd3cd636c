// Package archive uploads finished session files to a configured store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/josuekenge/selly-capture/internal/config"
	"github.com/josuekenge/selly-capture/internal/logging"
)

var log = logging.L("archive")

// Provider stores one local file under key.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, key string) error
}

// New returns the provider selected by cfg.Provider, or nil when archiving
// is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "local":
		return NewLocalProvider(cfg.LocalDir)
	case "s3":
		return NewS3Provider(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	case "azure":
		return NewAzureProvider(cfg.AzureConnectionString, cfg.AzureContainer)
	case "gcs":
		return NewGCSProvider(cfg.Bucket, cfg.GCSCredentialsFile)
	case "b2":
		return NewB2Provider(cfg.Bucket, cfg.B2AccountID, cfg.B2Key)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// Key is the object key for file under prefix/sessionID.
func Key(prefix, sessionID, file string) string {
	return path.Join(strings.Trim(prefix, "/"), sessionID, filepath.Base(file))
}

// UploadSession uploads each file under prefix/sessionID, retrying
// transient failures. Every file is attempted; the returned error joins the
// individual failures.
func UploadSession(ctx context.Context, p Provider, prefix, sessionID string, files ...string) error {
	return uploadSession(ctx, p, DefaultRetryConfig(), prefix, sessionID, files...)
}

func uploadSession(ctx context.Context, p Provider, rc RetryConfig, prefix, sessionID string, files ...string) error {
	var errs []error
	for _, f := range files {
		key := Key(prefix, sessionID, f)
		start := time.Now()
		if err := uploadWithRetry(ctx, p, f, key, rc); err != nil {
			log.Warn("archive upload failed",
				logging.KeySession, sessionID, "provider", p.Name(), "key", key, logging.KeyError, err)
			errs = append(errs, fmt.Errorf("upload %s: %w", filepath.Base(f), err))
			continue
		}
		log.Info("archived session file",
			logging.KeySession, sessionID, "provider", p.Name(), "key", key,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	return errors.Join(errs...)
}
