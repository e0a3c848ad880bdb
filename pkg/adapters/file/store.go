package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// ErrInvalidName is returned for names that cannot be used as a file name.
var ErrInvalidName = errors.New("invalid config name")

// Store implements ports.ConfigStore on the local filesystem.
// Each config is one file in BasePath, encoded in the format of Ext.
type Store struct {
	BasePath string
	// Ext is ".yaml" (default), ".json" or ".toml".
	Ext string
}

var _ ports.ConfigStore = (*Store)(nil)

// New creates a Store. An empty basePath defaults to ".binlens/configs".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".binlens", "configs")
	}
	return &Store{BasePath: basePath, Ext: ".yaml"}
}

func (s *Store) ext() string {
	if s.Ext == "" {
		return ".yaml"
	}
	return s.Ext
}

func (s *Store) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.BasePath, name+s.ext()), nil
}

// Save writes cfg atomically.
func (s *Store) Save(ctx context.Context, name string, cfg domain.AnalysisConfig) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := config.Marshal(cfg, s.ext())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// Load reads a config back as an uncommitted value. Field violations are not
// errors here: a stored draft may be incomplete and is validated on commit.
func (s *Store) Load(ctx context.Context, name string) (domain.AnalysisConfig, error) {
	path, err := s.path(name)
	if err != nil {
		return domain.AnalysisConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.AnalysisConfig{}, domain.ErrConfigNotFound
		}
		return domain.AnalysisConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	raw, err := config.Unmarshal(data, s.ext())
	if err != nil {
		return domain.AnalysisConfig{}, err
	}
	d, err := config.FromMap(raw)
	if err != nil && !config.IsValidation(err) {
		return domain.AnalysisConfig{}, err
	}
	return d.Config(), nil
}

// Delete removes the config file. Deleting a missing config is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete config file: %w", err)
	}
	return nil
}

// List returns the stored names sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := listNames(s.BasePath, s.ext())
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
