package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider copies session files into a directory, typically a mounted
// share.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) (*LocalProvider, error) {
	if basePath == "" {
		return nil, errors.New("archive.local_dir is required for the local provider")
	}
	return &LocalProvider{BasePath: filepath.Clean(basePath)}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Upload(ctx context.Context, localPath, key string) error {
	if localPath == "" || key == "" {
		return errors.New("local path and key are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	destPath, err := containedPath(p.BasePath, key)
	if err != nil {
		return err
	}
	return copyFile(localPath, destPath)
}

// copyFile writes to a temporary name and renames so a partial copy is
// never visible under the final name.
func copyFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpPath := destPath + ".partial"
	destFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	_, err = io.Copy(destFile, srcFile)
	if closeErr := destFile.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chtimes(tmpPath, info.ModTime(), info.ModTime())
	}
	if err == nil {
		err = os.Rename(tmpPath, destPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}
