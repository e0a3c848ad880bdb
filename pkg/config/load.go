package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aretw0/binlens/pkg/domain"
	"gopkg.in/yaml.v3"
)

// LoadDraft reads a config file (YAML, JSON or TOML, chosen by extension) into a draft.
//
// Every present key goes through SetField. Field errors do not abort loading:
// the draft is returned together with a *domain.ValidationError so the caller
// can show all problems at once.
func LoadDraft(path string, opts ...Option) (*Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	raw, err := Unmarshal(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return FromMap(raw, opts...)
}

// Unmarshal decodes a config document into a generic map.
// ext selects the format (".json", ".toml"); anything else is treated as YAML.
func Unmarshal(data []byte, ext string) (map[string]any, error) {
	raw := make(map[string]any)
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config json: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config yaml: %w", err)
		}
	}
	return raw, nil
}

// FromMap builds a draft from loosely typed values.
func FromMap(raw map[string]any, opts ...Option) (*Draft, error) {
	d := NewDraft(opts...)
	var errs []*domain.FieldError
	for _, f := range Fields {
		v, ok := raw[f]
		if !ok {
			continue
		}
		if ferr := d.SetField(f, v); ferr != nil {
			errs = append(errs, ferr)
		}
	}
	for k := range raw {
		if !isField(k) {
			errs = append(errs, &domain.FieldError{Field: k, Reason: "unknown field"})
		}
	}
	if len(errs) > 0 {
		return d, &domain.ValidationError{Fields: errs}
	}
	return d, nil
}

// Marshal encodes the draft values in the format selected by ext.
func Marshal(cfg domain.AnalysisConfig, ext string) ([]byte, error) {
	doc := ToMap(cfg)
	switch strings.ToLower(ext) {
	case ".json":
		return json.MarshalIndent(doc, "", "  ")
	case ".toml":
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(doc); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	default:
		return yaml.Marshal(doc)
	}
}

// ToMap flattens a config into the field-keyed form accepted by FromMap.
func ToMap(cfg domain.AnalysisConfig) map[string]any {
	libs := make([]map[string]any, 0, len(cfg.LibraryPaths))
	for _, lp := range cfg.LibraryPaths {
		libs = append(libs, map[string]any{"path": lp.Path, "kind": string(lp.Kind)})
	}
	return map[string]any{
		FieldTarget:         cfg.Target,
		FieldISA:            string(cfg.ISA),
		FieldTimeoutSeconds: cfg.TimeoutSeconds,
		FieldLibraryPaths:   libs,
		FieldEntrypoints:    nonNil(cfg.Entrypoints),
		FieldCLIArgPatterns: nonNil(cfg.CLIArgPatterns),
		FieldMaxCLIArgs:     cfg.MaxCLIArgs,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// IsValidation reports whether err carries field errors.
func IsValidation(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}

// Parse decodes and commits a config document in one step. Decoding problems
// and commit problems are reported together in one *domain.ValidationError.
func Parse(data []byte, ext string, opts ...Option) (domain.AnalysisConfig, error) {
	raw, err := Unmarshal(data, ext)
	if err != nil {
		return domain.AnalysisConfig{}, &domain.ValidationError{Fields: []*domain.FieldError{
			{Field: "document", Reason: err.Error()},
		}}
	}
	d, ferr := FromMap(raw, opts...)
	cfg, cerr := Commit(d)
	if ferr == nil {
		return cfg, cerr
	}
	return domain.AnalysisConfig{}, mergeFieldErrors(ferr, cerr)
}

func mergeFieldErrors(errs ...error) error {
	merged := &domain.ValidationError{}
	seen := make(map[string]bool)
	for _, err := range errs {
		for _, f := range domain.FieldErrors(err) {
			key := f.Field + "\x00" + f.Reason
			if seen[key] {
				continue
			}
			seen[key] = true
			merged.Fields = append(merged.Fields, f)
		}
	}
	return merged
}
