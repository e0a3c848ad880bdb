package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/binlens/pkg/adapters/process"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
)

// LoadConfig reads and commits a config file, reporting every problem at once.
func LoadConfig(path string) (domain.AnalysisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.AnalysisConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	return config.Parse(data, filepath.Ext(path))
}

// Validate checks a config file and prints the invocations it expands to.
func Validate(w io.Writer, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		if config.IsValidation(err) {
			fmt.Fprintf(w, "Config %s is invalid:\n", path)
			printFieldErrors(w, err)
		}
		return err
	}

	invocations, err := process.Invocations(cfg, config.DefaultSchema())
	if err != nil {
		fmt.Fprintf(w, "Config %s cannot be launched:\n", path)
		printFieldErrors(w, err)
		return err
	}

	fmt.Fprintf(w, "Config %s is valid ✅\n", path)
	fmt.Fprintf(w, "  isa: %s, entrypoints: %s\n", cfg.ISA, strings.Join(cfg.Entrypoints, ", "))
	for _, inv := range invocations {
		fmt.Fprintf(w, "  invoke: %s\n", strings.Join(inv, " "))
	}
	return nil
}
