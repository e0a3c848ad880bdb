package domain

import "slices"

// ISA identifies the target instruction set of an analysis run.
type ISA string

const (
	ISAx86     ISA = "x86"
	ISAx86_64  ISA = "x86_64"
	ISAArm32   ISA = "arm32"
	ISAArm64   ISA = "arm64"
	ISAMips    ISA = "mips"
	ISARiscV64 ISA = "riscv64"
)

// DefaultISAs is the instruction set list accepted when no custom schema is configured.
var DefaultISAs = []ISA{ISAx86, ISAx86_64, ISAArm32, ISAArm64, ISAMips, ISARiscV64}

// LibraryKind distinguishes dynamic from static library search paths.
type LibraryKind string

const (
	LibraryShared LibraryKind = "shared"
	LibraryStatic LibraryKind = "static"
)

// Valid reports whether k is a known library kind.
func (k LibraryKind) Valid() bool {
	return k == LibraryShared || k == LibraryStatic
}

// LibraryPath is one entry of the ordered library search list.
type LibraryPath struct {
	Path string      `json:"path" yaml:"path" toml:"path" mapstructure:"path"`
	Kind LibraryKind `json:"kind" yaml:"kind" toml:"kind" mapstructure:"kind"`
}

// NoTimeout is the explicit sentinel for runs without a deadline.
const NoTimeout = 0

// AnalysisConfig parameterizes one analysis run.
//
// Values produced by config.Commit are frozen: Committed reports true and the
// slice accessors hand out copies, so the owning Session never observes edits.
type AnalysisConfig struct {
	Target         string        `json:"target,omitempty"`
	ISA            ISA           `json:"isa"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	LibraryPaths   []LibraryPath `json:"library_paths"`
	Entrypoints    []string      `json:"entrypoints"`
	CLIArgPatterns []string      `json:"cli_arg_patterns"`
	MaxCLIArgs     int           `json:"max_cli_args"`

	committed bool
}

// Committed reports whether the config passed full validation and is frozen.
func (c AnalysisConfig) Committed() bool {
	return c.committed
}

// Freeze returns a deep copy of c marked as committed.
// It performs no validation; callers outside pkg/config should use config.Commit.
func (c AnalysisConfig) Freeze() AnalysisConfig {
	out := c.Clone()
	out.committed = true
	return out
}

// Clone returns a deep copy of c, keeping the committed marker.
func (c AnalysisConfig) Clone() AnalysisConfig {
	out := c
	out.LibraryPaths = slices.Clone(c.LibraryPaths)
	out.Entrypoints = slices.Clone(c.Entrypoints)
	out.CLIArgPatterns = slices.Clone(c.CLIArgPatterns)
	return out
}

// HasTimeout reports whether the run has a deadline.
func (c AnalysisConfig) HasTimeout() bool {
	return c.TimeoutSeconds != NoTimeout
}
