package process

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
)

// Flags passed to the engine binary.
const (
	FlagISA        = "--isa"
	FlagTimeout    = "--timeout"
	FlagTarget     = "--target"
	FlagLibrary    = "--library"
	FlagEntrypoint = "--entrypoint"
	FlagInvoke     = "--invoke"
)

// TooManyArgsError is returned when an expanded pattern exceeds the config's MaxCLIArgs.
type TooManyArgsError struct {
	Pattern    string
	Entrypoint string
	Count      int
	Max        int
}

func (e *TooManyArgsError) Error() string {
	return fmt.Sprintf("pattern %q for %s expands to %d arguments (max %d)", e.Pattern, e.Entrypoint, e.Count, e.Max)
}

// Invocations expands every CLI argument pattern for every entrypoint.
// Each result is one argv the engine will feed to the target.
func Invocations(cfg domain.AnalysisConfig, schema config.Schema) ([][]string, error) {
	var libPath string
	if len(cfg.LibraryPaths) > 0 {
		libPath = cfg.LibraryPaths[0].Path
	}

	var out [][]string
	for _, ep := range cfg.Entrypoints {
		vars := map[string]string{
			config.PlaceholderEntrypoint:  ep,
			config.PlaceholderISA:         string(cfg.ISA),
			config.PlaceholderTimeout:     strconv.Itoa(cfg.TimeoutSeconds),
			config.PlaceholderTarget:      cfg.Target,
			config.PlaceholderLibraryPath: libPath,
		}
		for _, p := range cfg.CLIArgPatterns {
			args, err := schema.Expand(p, vars)
			if err != nil {
				return nil, err
			}
			if cfg.MaxCLIArgs > 0 && len(args) > cfg.MaxCLIArgs {
				return nil, &TooManyArgsError{Pattern: p, Entrypoint: ep, Count: len(args), Max: cfg.MaxCLIArgs}
			}
			out = append(out, args)
		}
	}
	return out, nil
}

// BuildArgs renders a committed config as engine command-line flags.
// Each expanded invocation is passed as a JSON array after --invoke.
func BuildArgs(cfg domain.AnalysisConfig, schema config.Schema) ([]string, error) {
	args := []string{FlagISA, string(cfg.ISA)}
	if cfg.HasTimeout() {
		args = append(args, FlagTimeout, strconv.Itoa(cfg.TimeoutSeconds))
	}
	if cfg.Target != "" {
		args = append(args, FlagTarget, cfg.Target)
	}
	for _, lp := range cfg.LibraryPaths {
		args = append(args, FlagLibrary, string(lp.Kind)+":"+lp.Path)
	}
	for _, ep := range cfg.Entrypoints {
		args = append(args, FlagEntrypoint, ep)
	}

	invocations, err := Invocations(cfg, schema)
	if err != nil {
		return nil, err
	}
	for _, inv := range invocations {
		b, err := json.Marshal(inv)
		if err != nil {
			return nil, err
		}
		args = append(args, FlagInvoke, string(b))
	}
	return args, nil
}
