package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider resolves references as file paths, the way container
// orchestrators mount secrets (/run/secrets/<name>). Relative references are
// joined onto Dir. Trailing whitespace is trimmed.
type FileProvider struct {
	Dir string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{Dir: dir}
}

func (p *FileProvider) Resolve(ctx context.Context, refs []string) (map[string]string, error) {
	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := ref
		if !filepath.IsAbs(path) && p.Dir != "" {
			path = filepath.Join(p.Dir, ref)
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read secret %s: %w", ref, err)
		}
		result[ref] = strings.TrimRight(string(data), "\r\n\t ")
	}
	return result, nil
}
