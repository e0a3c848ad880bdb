package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// Field names accepted by Draft.SetField.
const (
	FieldTarget         = "target"
	FieldISA            = "isa"
	FieldTimeoutSeconds = "timeout_seconds"
	FieldLibraryPaths   = "library_paths"
	FieldEntrypoints    = "entrypoints"
	FieldCLIArgPatterns = "cli_arg_patterns"
	FieldMaxCLIArgs     = "max_cli_args"
)

// Fields lists every settable field in validation order.
var Fields = []string{
	FieldTarget,
	FieldISA,
	FieldTimeoutSeconds,
	FieldLibraryPaths,
	FieldEntrypoints,
	FieldCLIArgPatterns,
	FieldMaxCLIArgs,
}

// Defaults mirror the values the configuration screen starts with.
const (
	DefaultISA            = domain.ISAArm32
	DefaultTimeoutSeconds = 30 * 60
	DefaultMaxCLIArgs     = 5
)

// Draft is a mutable, not yet validated AnalysisConfig.
// It belongs to the configuration UI and is never attached to a session.
type Draft struct {
	schema Schema
	cfg    domain.AnalysisConfig
}

// Option configures a Draft.
type Option func(*Draft)

// WithSchema replaces the default schema.
func WithSchema(s Schema) Option {
	return func(d *Draft) {
		d.schema = s
	}
}

// NewDraft creates a draft populated with defaults.
func NewDraft(opts ...Option) *Draft {
	d := &Draft{
		schema: DefaultSchema(),
		cfg: domain.AnalysisConfig{
			ISA:            DefaultISA,
			TimeoutSeconds: DefaultTimeoutSeconds,
			MaxCLIArgs:     DefaultMaxCLIArgs,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DraftFrom starts a new draft from an existing (possibly committed) config.
// Committed configs cannot be edited in place; this is the way to derive a new run.
func DraftFrom(cfg domain.AnalysisConfig, opts ...Option) *Draft {
	d := NewDraft(opts...)
	d.cfg = domain.AnalysisConfig{
		Target:         cfg.Target,
		ISA:            cfg.ISA,
		TimeoutSeconds: cfg.TimeoutSeconds,
		LibraryPaths:   slices.Clone(cfg.LibraryPaths),
		Entrypoints:    slices.Clone(cfg.Entrypoints),
		CLIArgPatterns: slices.Clone(cfg.CLIArgPatterns),
		MaxCLIArgs:     cfg.MaxCLIArgs,
	}
	return d
}

// Schema returns the schema the draft validates against.
func (d *Draft) Schema() Schema {
	return d.schema
}

// Config returns a copy of the current draft values.
func (d *Draft) Config() domain.AnalysisConfig {
	return d.cfg.Clone()
}

// SetField applies a single-field update and validates that field only.
// The value is stored even when it is invalid, so the caller can keep editing;
// the returned FieldError is for immediate feedback.
func (d *Draft) SetField(name string, value any) *domain.FieldError {
	switch name {
	case FieldTarget:
		var v string
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.Target = v
	case FieldISA:
		var v string
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.ISA = domain.ISA(strings.TrimSpace(v))
	case FieldTimeoutSeconds:
		var v int
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.TimeoutSeconds = v
	case FieldLibraryPaths:
		var v []domain.LibraryPath
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.LibraryPaths = v
	case FieldEntrypoints:
		var v []string
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.Entrypoints = v
	case FieldCLIArgPatterns:
		var v []string
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.CLIArgPatterns = v
	case FieldMaxCLIArgs:
		var v int
		if err := decode(value, &v); err != nil {
			return &domain.FieldError{Field: name, Reason: err.Error(), Value: value}
		}
		d.cfg.MaxCLIArgs = v
	default:
		return &domain.FieldError{Field: name, Reason: "unknown field"}
	}

	errs := d.validateField(name)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// AddLibraryPath appends a search path, normalizing it first.
// Duplicates by (path, kind) are skipped and reported as a FieldError.
func (d *Draft) AddLibraryPath(path string, kind domain.LibraryKind) *domain.FieldError {
	lp := domain.LibraryPath{Path: filepath.Clean(path), Kind: kind}
	if slices.Contains(d.normalizedPaths(), lp) {
		return &domain.FieldError{Field: FieldLibraryPaths, Reason: "duplicate library path", Value: lp.Path}
	}
	d.cfg.LibraryPaths = append(d.cfg.LibraryPaths, lp)
	errs := d.validateField(FieldLibraryPaths)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// RemoveLibraryPath removes every entry with the given path, regardless of kind.
func (d *Draft) RemoveLibraryPath(path string) {
	clean := filepath.Clean(path)
	d.cfg.LibraryPaths = slices.DeleteFunc(d.cfg.LibraryPaths, func(lp domain.LibraryPath) bool {
		return filepath.Clean(lp.Path) == clean
	})
}

// AddEntrypoint appends an entrypoint if not already present.
func (d *Draft) AddEntrypoint(ep string) {
	ep = strings.TrimSpace(ep)
	if ep == "" || slices.Contains(d.cfg.Entrypoints, ep) {
		return
	}
	d.cfg.Entrypoints = append(d.cfg.Entrypoints, ep)
}

// SelectDefaultEntrypoints replaces the selection with the conventional entry
// functions found among candidates, or the first candidate when none match.
func (d *Draft) SelectDefaultEntrypoints(candidates []string) {
	d.cfg.Entrypoints = DefaultEntrypoints(candidates)
}

func (d *Draft) normalizedPaths() []domain.LibraryPath {
	out := make([]domain.LibraryPath, len(d.cfg.LibraryPaths))
	for i, lp := range d.cfg.LibraryPaths {
		out[i] = domain.LibraryPath{Path: filepath.Clean(lp.Path), Kind: lp.Kind}
	}
	return out
}

func (d *Draft) validateField(name string) []*domain.FieldError {
	var errs []*domain.FieldError
	add := func(reason string, value any) {
		errs = append(errs, &domain.FieldError{Field: name, Reason: reason, Value: value})
	}

	switch name {
	case FieldISA:
		if d.cfg.ISA == "" {
			add("required", nil)
		} else if !d.schema.SupportsISA(d.cfg.ISA) {
			add("unsupported instruction set", string(d.cfg.ISA))
		}
	case FieldTimeoutSeconds:
		if d.cfg.TimeoutSeconds < 0 {
			add("must be >= 0 (0 means no timeout)", d.cfg.TimeoutSeconds)
		}
	case FieldLibraryPaths:
		seen := make(map[domain.LibraryPath]bool)
		for _, lp := range d.normalizedPaths() {
			if strings.TrimSpace(lp.Path) == "" || lp.Path == "." {
				add("library path is empty", nil)
				continue
			}
			if !lp.Kind.Valid() {
				add("library kind must be shared or static", string(lp.Kind))
				continue
			}
			if seen[lp] {
				add("duplicate library path", fmt.Sprintf("%s (%s)", lp.Path, lp.Kind))
				continue
			}
			seen[lp] = true
		}
	case FieldEntrypoints:
		if len(d.cfg.Entrypoints) == 0 {
			add("at least one entrypoint is required", nil)
		}
		for _, ep := range d.cfg.Entrypoints {
			if strings.TrimSpace(ep) == "" {
				add("entrypoint is empty", nil)
			}
		}
	case FieldCLIArgPatterns:
		for _, p := range d.cfg.CLIArgPatterns {
			if err := d.schema.CheckPattern(p); err != nil {
				add(err.Error(), p)
			}
		}
	case FieldMaxCLIArgs:
		if d.cfg.MaxCLIArgs < 0 {
			add("must be >= 0 (0 means unlimited)", d.cfg.MaxCLIArgs)
		}
	}
	return errs
}

// decode converts loosely typed UI/file values into the target type.
func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       libraryPathHook,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

var libraryPathType = reflect.TypeOf(domain.LibraryPath{})

// libraryPathHook lets plain strings stand for shared-library directories.
func libraryPathHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != libraryPathType || from.Kind() != reflect.String {
		return data, nil
	}
	return domain.LibraryPath{Path: reflect.ValueOf(data).String(), Kind: domain.LibraryShared}, nil
}
