package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/aretw0/binlens/pkg/domain"
)

// Placeholder names understood by the default grammar.
const (
	PlaceholderEntrypoint  = "entrypoint"
	PlaceholderTimeout     = "timeout"
	PlaceholderISA         = "isa"
	PlaceholderTarget      = "target"
	PlaceholderLibraryPath = "library_path"
)

// Schema describes what a config may contain: the accepted instruction sets and
// the placeholder grammar of CLI argument patterns. Both are data, not code, so
// hosts can extend them without touching validation.
type Schema struct {
	ISAs []domain.ISA

	// Placeholders lists the accepted names. Empty means any non-empty name.
	Placeholders []string

	// Open and Close delimit a placeholder, e.g. "{" and "}".
	Open  string
	Close string
}

// DefaultSchema returns the built-in schema.
func DefaultSchema() Schema {
	return Schema{
		ISAs: slices.Clone(domain.DefaultISAs),
		Placeholders: []string{
			PlaceholderEntrypoint,
			PlaceholderTimeout,
			PlaceholderISA,
			PlaceholderTarget,
			PlaceholderLibraryPath,
		},
		Open:  "{",
		Close: "}",
	}
}

// SupportsISA reports whether isa is accepted by the schema.
func (s Schema) SupportsISA(isa domain.ISA) bool {
	return slices.Contains(s.ISAs, isa)
}

var (
	errUnbalanced   = errors.New("unbalanced placeholder delimiters")
	errNested       = errors.New("nested placeholder")
	errEmptyName    = errors.New("empty placeholder name")
	errUnterminated = errors.New("unterminated placeholder")
)

// token is a literal run or a placeholder reference inside a pattern field.
type token struct {
	text        string
	placeholder bool
}

// parse splits one pattern into tokens, enforcing balanced delimiters.
func (s Schema) parse(pattern string) ([]token, error) {
	var (
		out  []token
		lit  strings.Builder
		rest = pattern
	)
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, s.Open):
			rest = rest[len(s.Open):]
			end := strings.Index(rest, s.Close)
			if end < 0 {
				return nil, errUnterminated
			}
			name := rest[:end]
			if strings.Contains(name, s.Open) {
				return nil, errNested
			}
			if name == "" {
				return nil, errEmptyName
			}
			if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
				return nil, fmt.Errorf("invalid placeholder name %q", name)
			}
			if len(s.Placeholders) > 0 && !slices.Contains(s.Placeholders, name) {
				return nil, fmt.Errorf("unknown placeholder %q", name)
			}
			if lit.Len() > 0 {
				out = append(out, token{text: lit.String()})
				lit.Reset()
			}
			out = append(out, token{text: name, placeholder: true})
			rest = rest[end+len(s.Close):]
		case strings.HasPrefix(rest, s.Close):
			return nil, errUnbalanced
		default:
			lit.WriteByte(rest[0])
			rest = rest[1:]
		}
	}
	if lit.Len() > 0 {
		out = append(out, token{text: lit.String()})
	}
	return out, nil
}

// CheckPattern validates the placeholder syntax of a CLI argument pattern.
func (s Schema) CheckPattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return errors.New("pattern is empty")
	}
	_, err := s.parse(pattern)
	return err
}

// Names returns the placeholder names referenced by pattern, in order of appearance.
func (s Schema) Names(pattern string) ([]string, error) {
	toks, err := s.parse(pattern)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, t := range toks {
		if t.placeholder && !slices.Contains(names, t.text) {
			names = append(names, t.text)
		}
	}
	return names, nil
}

// Expand resolves a pattern into argv fields. The pattern is split on whitespace
// first, so substituted values containing spaces stay a single argument.
func (s Schema) Expand(pattern string, vars map[string]string) ([]string, error) {
	var args []string
	for _, field := range strings.Fields(pattern) {
		toks, err := s.parse(field)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		var b strings.Builder
		for _, t := range toks {
			if !t.placeholder {
				b.WriteString(t.text)
				continue
			}
			v, ok := vars[t.text]
			if !ok {
				return nil, fmt.Errorf("pattern %q: no value for placeholder %q", pattern, t.text)
			}
			b.WriteString(v)
		}
		args = append(args, b.String())
	}
	return args, nil
}

// Expand resolves pattern with the default schema.
func Expand(pattern string, vars map[string]string) ([]string, error) {
	return DefaultSchema().Expand(pattern, vars)
}
