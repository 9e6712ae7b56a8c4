// Package file implements the provider interface for the local filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/lexbatch/pkg/provider"
)

// Provider stores objects as files under a base directory. Keys are
// slash-separated paths relative to it.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

// Config configures a file provider.
type Config struct {
	BaseDir string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// New creates a file provider.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }

// Put writes body to a temp file next to the target and renames it into
// place, so readers never see a partial export.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, _ int64, _ provider.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".lexbatch-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

// Head stats the file at key.
func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
