package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider uploads to a Backblaze B2 bucket.
type B2Provider struct {
	Bucket    string
	accountID string
	key       string
}

func NewB2Provider(bucket, accountID, key string) (*B2Provider, error) {
	if bucket == "" || accountID == "" || key == "" {
		return nil, errors.New("b2 bucket, account id and key are required")
	}
	return &B2Provider{Bucket: bucket, accountID: accountID, key: key}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, localPath, key string) error {
	client, err := b2.NewClient(ctx, p.accountID, p.key)
	if err != nil {
		return fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.Bucket)
	if err != nil {
		return fmt.Errorf("b2 bucket %s: %w", p.Bucket, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 write %s/%s: %w", p.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 write %s/%s: %w", p.Bucket, key, err)
	}
	return nil
}
