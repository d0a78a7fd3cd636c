package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads block blobs into one container.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

func NewAzureProvider(connectionString, container string) (*AzureProvider, error) {
	if connectionString == "" || container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{Container: container, client: client}, nil
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, a.Container, key, f, nil); err != nil {
		return fmt.Errorf("azure upload %s/%s: %w", a.Container, key, err)
	}
	return nil
}
