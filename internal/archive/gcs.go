package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider uploads to a Google Cloud Storage bucket. A client is created
// per upload so an idle provider holds no connections.
type GCSProvider struct {
	Bucket          string
	credentialsFile string
}

// NewGCSProvider uses application default credentials unless
// credentialsFile is set.
func NewGCSProvider(bucket, credentialsFile string) (*GCSProvider, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	return &GCSProvider{Bucket: bucket, credentialsFile: credentialsFile}, nil
}

func (g *GCSProvider) Name() string { return "gcs" }

func (g *GCSProvider) Upload(ctx context.Context, localPath, key string) error {
	var opts []option.ClientOption
	if g.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("gcs client: %w", err)
	}
	defer client.Close()

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := client.Bucket(g.Bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s/%s: %w", g.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write %s/%s: %w", g.Bucket, key, err)
	}
	return nil
}
