// Package loam stores analysis configs as frontmatter documents in a Loam
// repository. Each config is one Markdown file whose frontmatter holds the
// fields; with versioning on, every save and delete is a commit.
package loam

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
)

// ErrInvalidName is returned for names that cannot be used as a document ID.
var ErrInvalidName = errors.New("invalid config name")

const docExt = ".md"

// ConfigMetadata is the frontmatter of a stored config.
type ConfigMetadata struct {
	Name           string               `json:"name" mapstructure:"name"`
	Target         string               `json:"target,omitempty" mapstructure:"target"`
	ISA            string               `json:"isa" mapstructure:"isa"`
	TimeoutSeconds int                  `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	LibraryPaths   []domain.LibraryPath `json:"library_paths" mapstructure:"library_paths"`
	Entrypoints    []string             `json:"entrypoints" mapstructure:"entrypoints"`
	CLIArgPatterns []string             `json:"cli_arg_patterns" mapstructure:"cli_arg_patterns"`
	MaxCLIArgs     int                  `json:"max_cli_args" mapstructure:"max_cli_args"`
}

func metadataOf(name string, cfg domain.AnalysisConfig) ConfigMetadata {
	return ConfigMetadata{
		Name:           name,
		Target:         cfg.Target,
		ISA:            string(cfg.ISA),
		TimeoutSeconds: cfg.TimeoutSeconds,
		LibraryPaths:   slices.Clone(cfg.LibraryPaths),
		Entrypoints:    slices.Clone(cfg.Entrypoints),
		CLIArgPatterns: slices.Clone(cfg.CLIArgPatterns),
		MaxCLIArgs:     cfg.MaxCLIArgs,
	}
}

// fields returns the frontmatter in the form accepted by config.FromMap.
func (m ConfigMetadata) fields() map[string]any {
	libs := make([]any, 0, len(m.LibraryPaths))
	for _, lp := range m.LibraryPaths {
		libs = append(libs, map[string]any{"path": lp.Path, "kind": string(lp.Kind)})
	}
	return map[string]any{
		config.FieldTarget:         m.Target,
		config.FieldISA:            m.ISA,
		config.FieldTimeoutSeconds: m.TimeoutSeconds,
		config.FieldLibraryPaths:   libs,
		config.FieldEntrypoints:    m.Entrypoints,
		config.FieldCLIArgPatterns: m.CLIArgPatterns,
		config.FieldMaxCLIArgs:     m.MaxCLIArgs,
	}
}

// Store implements ports.ConfigStore on a Loam repository.
type Store struct {
	Root string

	repo  core.Repository
	typed *loam.TypedRepository[ConfigMetadata]
}

var _ ports.ConfigStore = (*Store)(nil)

// New opens (or creates) a repository at root. An empty root defaults to
// ".binlens/configs". Options are passed to loam.Init after the store's own.
func New(root string, opts ...loam.Option) (*Store, error) {
	if root == "" {
		root = filepath.Join(".binlens", "configs")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid config root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config root: %w", err)
	}

	// Writes must land in root, never in a temporary sandbox.
	initOpts := append([]loam.Option{loam.WithForceTemp(false)}, opts...)
	repo, err := loam.Init(abs, initOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return &Store{
		Root:  abs,
		repo:  repo,
		typed: loam.NewTypedRepository[ConfigMetadata](repo),
	}, nil
}

func (s *Store) id(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name + docExt, nil
}

func (s *Store) exists(id string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.Root, id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Save writes cfg as the frontmatter of name's document.
func (s *Store) Save(ctx context.Context, name string, cfg domain.AnalysisConfig) error {
	id, err := s.id(name)
	if err != nil {
		return err
	}
	err = s.typed.Save(ctx, &loam.DocumentModel[ConfigMetadata]{
		ID:      id,
		Content: fmt.Sprintf("Analysis config %s for %s.", name, cfg.ISA),
		Data:    metadataOf(name, cfg),
	})
	if err != nil {
		return fmt.Errorf("loam save failed for %s: %w", name, err)
	}
	return nil
}

// Load reads a config back as an uncommitted value.
func (s *Store) Load(ctx context.Context, name string) (domain.AnalysisConfig, error) {
	id, err := s.id(name)
	if err != nil {
		return domain.AnalysisConfig{}, err
	}
	ok, err := s.exists(id)
	if err != nil {
		return domain.AnalysisConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	if !ok {
		return domain.AnalysisConfig{}, domain.ErrConfigNotFound
	}

	doc, err := s.typed.Get(ctx, id)
	if err != nil {
		return domain.AnalysisConfig{}, fmt.Errorf("loam get failed for %s: %w", name, err)
	}
	d, err := config.FromMap(doc.Data.fields())
	if err != nil && !config.IsValidation(err) {
		return domain.AnalysisConfig{}, err
	}
	return d.Config(), nil
}

// Delete removes name's document. Deleting a missing config is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	id, err := s.id(name)
	if err != nil {
		return err
	}
	ok, err := s.exists(id)
	if err != nil || !ok {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("loam delete failed for %s: %w", name, err)
	}
	return nil
}

// List returns the stored names sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	docs, err := s.typed.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		name := doc.Data.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(doc.ID), filepath.Ext(doc.ID))
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}
